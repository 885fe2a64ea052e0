package envelope

import "github.com/lumenize/lumenize-sub005/pkg/chain"

// errorMarkerKey tags a preprocessed error inside chain args so Postprocess
// can tell it apart from an ordinary map — Go errors aren't structured-clone
// safe (they're interfaces, often backed by unexported types), so callRaw
// preprocesses them into a plain map before the chain crosses the wire, and
// the callee postprocesses them back into an error before substitution.
const errorMarkerKey = "__lumenizeError"

// Preprocess returns a copy of c with any plain `error` value appearing in
// call args encoded as a clone-safe map. Nested chains are preprocessed
// recursively.
func Preprocess(c *chain.OperationChain) *chain.OperationChain {
	if c == nil {
		return nil
	}
	out := &chain.OperationChain{Steps: make([]chain.Step, len(c.Steps))}
	for i, step := range c.Steps {
		out.Steps[i] = chain.Step{
			Kind: step.Kind,
			Key:  step.Key,
			Args: preprocessArgs(step.Args),
		}
	}
	return out
}

func preprocessArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = preprocessValue(a)
	}
	return out
}

func preprocessValue(a any) any {
	switch v := a.(type) {
	case error:
		return map[string]any{errorMarkerKey: true, "message": v.Error()}
	case chain.NestedMarker:
		return chain.NestedMarker{Chain: Preprocess(v.Chain)}
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = preprocessValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = preprocessValue(e)
		}
		return out
	default:
		return a
	}
}

// Postprocess is the callee-side inverse of Preprocess: it is run on a
// received chain before execution, and on a received result value before
// returning it to the caller.
func Postprocess(c *chain.OperationChain) *chain.OperationChain {
	if c == nil {
		return nil
	}
	out := &chain.OperationChain{Steps: make([]chain.Step, len(c.Steps))}
	for i, step := range c.Steps {
		out.Steps[i] = chain.Step{
			Kind: step.Kind,
			Key:  step.Key,
			Args: postprocessArgs(step.Args),
		}
	}
	return out
}

func postprocessArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = PostprocessValue(a)
	}
	return out
}

// PostprocessValue restores a preprocessed error marker to a plain Go error
// and recurses into nested chains, maps, and slices.
func PostprocessValue(a any) any {
	switch v := a.(type) {
	case map[string]any:
		if marked, ok := v[errorMarkerKey]; ok {
			if b, isBool := marked.(bool); isBool && b {
				msg, _ := v["message"].(string)
				return remoteError(msg)
			}
		}
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = PostprocessValue(e)
		}
		return out
	case chain.NestedMarker:
		return chain.NestedMarker{Chain: Postprocess(v.Chain)}
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = PostprocessValue(e)
		}
		return out
	default:
		return a
	}
}

// remoteError is the concrete error type produced by postprocessing a
// remote error marker; it satisfies the error interface with the original
// message and nothing else (the original error's dynamic type never
// crosses the wire).
type remoteError string

func (e remoteError) Error() string { return string(e) }
