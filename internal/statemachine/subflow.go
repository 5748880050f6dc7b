package statemachine

// SubFlow is an entry on a flow's sub-flow stack.
type SubFlow interface {
	isSubFlow()
	Class() string
}

// SubFlowInlined is a sub-flow that runs inside its parent's sessions and
// cannot open sessions of its own.
type SubFlowInlined struct {
	FlowClass string `json:"flow_class"`
}

// SubFlowInitiating is a sub-flow allowed to open new sessions. Sessions it
// opens name ClassToInitiateWith as the initiating flow, which the peer uses
// to pick a responder.
type SubFlowInitiating struct {
	FlowClass           string   `json:"flow_class"`
	ClassToInitiateWith string   `json:"class_to_initiate_with"`
	FlowInfo            FlowInfo `json:"flow_info"`
}

func (SubFlowInlined) isSubFlow()    {}
func (SubFlowInitiating) isSubFlow() {}

func (s SubFlowInlined) Class() string    { return s.FlowClass }
func (s SubFlowInitiating) Class() string { return s.FlowClass }

func validateSubFlow(sf SubFlow) error {
	switch s := sf.(type) {
	case SubFlowInlined:
		if s.FlowClass == "" {
			return newIllegalState("sub-flow has no class")
		}
		return nil
	case SubFlowInitiating:
		if s.FlowClass == "" || s.ClassToInitiateWith == "" {
			return newIllegalState("initiating sub-flow %q has no initiating class", s.FlowClass)
		}
		if s.FlowInfo.FlowVersion < 1 {
			return newIllegalState("flow versions have to be greater or equal to 1, %q has %d", s.FlowClass, s.FlowInfo.FlowVersion)
		}
		return nil
	default:
		panic(unexpected("sub-flow", sf))
	}
}

// closestInitiatingSubFlow walks the stack from the top and returns the
// nearest sub-flow that may open sessions.
func closestInitiatingSubFlow(stack []SubFlow) (SubFlowInitiating, bool) {
	for i := len(stack) - 1; i >= 0; i-- {
		if s, ok := stack[i].(SubFlowInitiating); ok {
			return s, true
		}
	}
	return SubFlowInitiating{}, false
}
