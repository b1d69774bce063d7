// Package classify maps failure diagnostics onto retry decisions.
//
// A Classifier holds an ordered list of rules. Evaluation stops at the first
// rule whose pattern matches, so specific rules (a missing job id) must be
// registered ahead of general ones (a refused connection). Text that matches
// nothing is KindUnknown; the dispatcher treats that like KindPermanent and
// logs it separately so operators can add a rule.
//
// Handlers that already know how a failure should be treated wrap it with
// Transient or Permanent. FromError honours those markers before falling back
// to the rule list.
package classify
