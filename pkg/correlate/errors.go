package correlate

import "errors"

// ErrRuleInvalid wraps every rule load or validation failure. The
// wrapped message names the rule and the offending field.
var ErrRuleInvalid = errors.New("correlate: invalid rule")
