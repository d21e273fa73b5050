package session

// ContextView is the fully hydrated context handed to capability handlers.
// The merge precedence, highest to lowest, is fixed as:
//
//	1. request parameters (the intent's explicit parameters)
//	2. intent metadata (submission-scoped annotations)
//	3. session context (accumulated via update_context)
//	4. capability defaults (declared at registration)
//
// A key present at a higher tier always shadows the same key below it.
// There is exactly one precedence order; callers must not re-merge.
type ContextView struct {
	merged map[string]any
}

// Hydrate builds a ContextView from the four tiers. Nil tiers are treated
// as empty.
func Hydrate(requestParams, intentMeta, sessionCtx, capabilityDefaults map[string]any) *ContextView {
	merged := make(map[string]any)
	for _, tier := range []map[string]any{capabilityDefaults, sessionCtx, intentMeta, requestParams} {
		for k, v := range tier {
			merged[k] = v
		}
	}
	return &ContextView{merged: merged}
}

// Get returns the value for key and whether it is set at any tier.
func (v *ContextView) Get(key string) (any, bool) {
	val, ok := v.merged[key]
	return val, ok
}

// Map returns a copy of the merged context.
func (v *ContextView) Map() map[string]any {
	out := make(map[string]any, len(v.merged))
	for k, val := range v.merged {
		out[k] = val
	}
	return out
}
