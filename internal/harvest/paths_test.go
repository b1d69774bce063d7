package harvest_test

import (
	"errors"
	"testing"

	"harvester/internal/harvest"
)

func TestPrefixResolver(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		input   string
		want    harvest.Location
		wantErr bool
	}{
		{name: "root", input: "/h-1/audio/take 1.wav", want: harvest.Location{HarvestID: "h-1", Path: "audio/take 1.wav"}},
		{name: "no leading slash", input: "h-1/a.wav", want: harvest.Location{HarvestID: "h-1", Path: "a.wav"}},
		{name: "dot segments", input: "/h-1/./x/../a.wav", want: harvest.Location{HarvestID: "h-1", Path: "a.wav"}},
		{name: "backslashes", input: `\h-1\dir\a.wav`, want: harvest.Location{HarvestID: "h-1", Path: "dir/a.wav"}},
		{name: "prefix stripped", prefix: "/incoming", input: "/incoming/h-2/a.wav", want: harvest.Location{HarvestID: "h-2", Path: "a.wav"}},
		{name: "outside prefix", prefix: "/incoming", input: "/other/h-2/a.wav", wantErr: true},
		{name: "prefix lookalike", prefix: "/incoming", input: "/incoming2/h-2/a.wav", wantErr: true},
		{name: "harvest directory only", input: "/h-1", wantErr: true},
		{name: "parent segments stay inside", input: "/../../etc/passwd", want: harvest.Location{HarvestID: "etc", Path: "passwd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := harvest.PrefixResolver{Prefix: tt.prefix}.Resolve(tt.input)
			if tt.wantErr {
				if !errors.Is(err, harvest.ErrInvalidPath) {
					t.Fatalf("expected ErrInvalidPath, got %v (%+v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizePathUnifiesUnicodeForms(t *testing.T) {
	composed := harvest.NormalizePath("/h-1/caf\u00e9.wav")
	decomposed := harvest.NormalizePath("/h-1/cafe\u0301.wav")
	if composed != decomposed {
		t.Fatalf("NFC forms differ: %q vs %q", composed, decomposed)
	}
}
