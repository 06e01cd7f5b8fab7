package domain

// CallbackArgs is forwarded to the callback every time a trigger fires.
//
// JobDefinitionID is nil between trigger creation and the post-creation
// patch that stores the definition's surrogate id.
type CallbackArgs struct {
	JobDefinitionID *int64         `json:"job_definition_id"`
	Name            string         `json:"name"`
	Parameters      map[string]any `json:"parameters,omitempty"`
}

// Fields returns the parameter payload, never nil.
func (a CallbackArgs) Fields() map[string]any {
	if a.Parameters == nil {
		return map[string]any{}
	}
	return a.Parameters
}

// WithJobDefinitionID returns a copy of the args bound to the given id.
func (a CallbackArgs) WithJobDefinitionID(id int64) CallbackArgs {
	a.JobDefinitionID = &id
	return a
}
