package execution

import "time"

type StepKind string

type StepStatus string

type SessionStatus string

type Intent string

type FailureKind string

type PayloadVariant string

const (
	StepKindApproveToken      StepKind = "approve_token"
	StepKindWaitForApproval   StepKind = "wait_for_approval"
	StepKindWaitForSimulation StepKind = "wait_for_simulation"
	StepKindExecute           StepKind = "execute"
)

const (
	StepStatusPending              StepStatus = "pending"
	StepStatusActing               StepStatus = "acting"
	StepStatusSubmitted            StepStatus = "submitted"
	StepStatusAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepStatusSimulating           StepStatus = "simulating"
	StepStatusDone                 StepStatus = "done"
	StepStatusFailed               StepStatus = "failed"
)

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusAborted   SessionStatus = "aborted"
)

const (
	IntentCreatePosition               Intent = "create_position"
	IntentApproveAndCreatePosition     Intent = "approve_and_create_position"
	IntentSafeApproveAndCreatePosition Intent = "safe_approve_and_create_position"
	IntentSwap                         Intent = "swap"
	IntentApproveAndSwap               Intent = "approve_and_swap"
	IntentSafeApproveAndSwap           Intent = "safe_approve_and_swap"
)

const (
	FailureUserRejected FailureKind = "user_rejected"
	FailureProvider     FailureKind = "provider_error"
	FailureRevert       FailureKind = "onchain_revert"
	FailureSimulation   FailureKind = "simulation"
	FailureAborted      FailureKind = "aborted"
)

const (
	VariantSwap           PayloadVariant = "swap"
	VariantCreatePosition PayloadVariant = "create_position"
)

// Intents lists every supported intent in a stable order.
func Intents() []Intent {
	return []Intent{
		IntentCreatePosition,
		IntentApproveAndCreatePosition,
		IntentSafeApproveAndCreatePosition,
		IntentSwap,
		IntentApproveAndSwap,
		IntentSafeApproveAndSwap,
	}
}

func (i Intent) Valid() bool {
	for _, v := range Intents() {
		if v == i {
			return true
		}
	}
	return false
}

func (i Intent) IsSwap() bool {
	return i == IntentSwap || i == IntentApproveAndSwap || i == IntentSafeApproveAndSwap
}

func (i Intent) IsCreatePosition() bool {
	return i == IntentCreatePosition || i == IntentApproveAndCreatePosition || i == IntentSafeApproveAndCreatePosition
}

func (i Intent) IsSafe() bool {
	return i == IntentSafeApproveAndSwap || i == IntentSafeApproveAndCreatePosition
}

// Payload is the flow data a step hands to the signer or simulator. The
// executor never interprets it.
type Payload struct {
	Variant  PayloadVariant    `json:"variant,omitempty"`
	Token    string            `json:"token,omitempty"`
	Spender  string            `json:"spender,omitempty"`
	Amount   string            `json:"amount,omitempty"`
	Target   string            `json:"target,omitempty"`
	Data     string            `json:"data,omitempty"`
	Value    string            `json:"value,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Step struct {
	Index           int               `json:"index"`
	Kind            StepKind          `json:"kind"`
	Status          StepStatus        `json:"status"`
	Hash            string            `json:"hash,omitempty"`
	Proposed        bool              `json:"proposed,omitempty"`
	CheckForPending bool              `json:"check_for_pending"`
	BlocksSequence  bool              `json:"blocks_sequence"`
	Payload         Payload           `json:"payload"`
	Receipt         *Receipt          `json:"receipt,omitempty"`
	Simulation      *SimulationReport `json:"simulation,omitempty"`
	Failure         FailureKind       `json:"failure,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// InFlight reports whether the step is between starting and resolving.
func (s Step) InFlight() bool {
	switch s.Status {
	case StepStatusActing, StepStatusSubmitted, StepStatusAwaitingConfirmation, StepStatusSimulating:
		return true
	}
	return false
}

// StepShape is the part of a step that is fully determined by the plan inputs.
type StepShape struct {
	Kind            StepKind `json:"kind"`
	CheckForPending bool     `json:"check_for_pending"`
	BlocksSequence  bool     `json:"blocks_sequence"`
}

// Warning is a non-blocking problem the user should see before execution.
type Warning struct {
	StepIndex int               `json:"step_index"`
	Outcome   SimulationOutcome `json:"outcome"`
	Message   string            `json:"message"`
}

type Session struct {
	ID                   string            `json:"session_id"`
	Intent               Intent            `json:"intent"`
	ChainID              int64             `json:"chain_id"`
	Multisig             bool              `json:"multisig"`
	Steps                []Step            `json:"steps"`
	ActiveIndex          int               `json:"active_index"`
	Status               SessionStatus     `json:"status"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	Confirmed            bool              `json:"confirmed"`
	Warnings             []Warning         `json:"warnings,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
}

func NewSession(id string, intent Intent, chainID int64, steps []Step, now time.Time) Session {
	stamp := now.UTC().Format(time.RFC3339)
	for i := range steps {
		steps[i].Index = i
		if steps[i].Status == "" {
			steps[i].Status = StepStatusPending
		}
	}
	return Session{
		ID:        id,
		Intent:    intent,
		ChainID:   chainID,
		Steps:     steps,
		Status:    SessionStatusPending,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
}

// Clone returns a deep copy safe to hand to observers.
func (s Session) Clone() Session {
	out := s
	out.Steps = make([]Step, len(s.Steps))
	for i, step := range s.Steps {
		step.Payload.Metadata = cloneMap(step.Payload.Metadata)
		if step.Receipt != nil {
			r := *step.Receipt
			step.Receipt = &r
		}
		if step.Simulation != nil {
			r := *step.Simulation
			step.Simulation = &r
		}
		out.Steps[i] = step
	}
	if s.Warnings != nil {
		out.Warnings = append([]Warning(nil), s.Warnings...)
	}
	out.Metadata = cloneMap(s.Metadata)
	return out
}

func (s Session) Shape() []StepShape {
	out := make([]StepShape, len(s.Steps))
	for i, step := range s.Steps {
		out[i] = StepShape{Kind: step.Kind, CheckForPending: step.CheckForPending, BlocksSequence: step.BlocksSequence}
	}
	return out
}

func (s Session) IsTerminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusAborted:
		return true
	}
	return false
}

// ActiveStep returns the step under the cursor, if any.
func (s Session) ActiveStep() (Step, bool) {
	if s.ActiveIndex < 0 || s.ActiveIndex >= len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[s.ActiveIndex], true
}

// InFlight returns the indexes of steps currently in flight.
func (s Session) InFlight() []int {
	var out []int
	for i, step := range s.Steps {
		if step.InFlight() {
			out = append(out, i)
		}
	}
	return out
}

// FinalHash is the hash of the last step that submitted a transaction. It is
// what the caller records in history once the session completes.
func (s Session) FinalHash() string {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Hash != "" {
			return s.Steps[i].Hash
		}
	}
	return ""
}

// FailedStep returns the blocking step that stopped the session.
func (s Session) FailedStep() (Step, bool) {
	for _, step := range s.Steps {
		if step.Status == StepStatusFailed && step.BlocksSequence {
			return step, true
		}
	}
	return Step{}, false
}

// ExecutePayload returns the payload of the session's execute step.
func (s Session) ExecutePayload() (Payload, bool) {
	for _, step := range s.Steps {
		if step.Kind == StepKindExecute {
			return step.Payload, true
		}
	}
	return Payload{}, false
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
