package loyalty

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing loyalty operation.
type OperationLog struct {
	Operation    string
	MemberID     MemberID
	RewardID     RewardID
	RedemptionID RedemptionID
	Code         string
	SagaState    SagaState
	Status       string
	UnixTime     int64
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCodePrefix overrides the discount-code prefix (default "LOYAL").
func WithCodePrefix(prefix string) ServiceOption {
	return func(service *Service) {
		if prefix != "" {
			service.codePrefix = prefix
		}
	}
}

// WithCodeSuffixFn overrides random code-suffix generation.
func WithCodeSuffixFn(fn func() string) ServiceOption {
	return func(service *Service) {
		if fn != nil {
			service.codeSuffixFn = fn
		}
	}
}
