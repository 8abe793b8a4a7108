package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth & Permission errors
// 12000-12999: Workload module errors
// 13000-13999: Driver & Runtime errors
// 14000-14999: Ledger & Persistence errors
// 15000-15999: Restart Policy errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10201

	// Message queue errors (10300-10399)
	MQError        ErrorCode = 10300
	PublishFailed  ErrorCode = 10301
	ConsumeFailed  ErrorCode = 10302
	MessageInvalid ErrorCode = 10303

	// Object storage errors (10400-10499)
	StorageError   ErrorCode = 10400
	ObjectNotFound ErrorCode = 10401

	// Validation errors (10500-10599)
	ValidationFailed   ErrorCode = 10500
	InvalidFormat      ErrorCode = 10501
	InvalidValue       ErrorCode = 10502
	RequiredFieldEmpty ErrorCode = 10503

	// ========== Auth & Permission Errors (11000-11999) ==========

	TokenExpired     ErrorCode = 11000
	TokenInvalid     ErrorCode = 11001
	PermissionDenied ErrorCode = 11002
	InvalidRole      ErrorCode = 11003

	// ========== Workload Module Errors (12000-12999) ==========

	// Workload basic (12000-12099)
	WorkloadNotFound      ErrorCode = 12000
	WorkloadAlreadyExists ErrorCode = 12001
	InvalidState          ErrorCode = 12002
	WorkloadDeleted       ErrorCode = 12003

	// Budgets & plans (12100-12199)
	ResourceDepleted  ErrorCode = 12100
	PlanLimitExceeded ErrorCode = 12101
	UnknownPlan       ErrorCode = 12102

	// ========== Driver & Runtime Errors (13000-13999) ==========

	// Driver calls (13000-13099)
	DriverError     ErrorCode = 13000
	DriverTransient ErrorCode = 13001
	DriverNotFound  ErrorCode = 13002

	// Launch path (13100-13199)
	LaunchFailed ErrorCode = 13100
	StopFailed   ErrorCode = 13101
	StatsFailed  ErrorCode = 13102

	// Bundle staging (13200-13299)
	BundleFetchFailed ErrorCode = 13200
	BundleInvalid     ErrorCode = 13201

	// ========== Ledger & Persistence Errors (14000-14999) ==========

	LedgerVersionConflict ErrorCode = 14000
	LedgerSaveFailed      ErrorCode = 14001

	// ========== Restart Policy Errors (15000-15999) ==========

	RestartLoopBlocked ErrorCode = 15000
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Message queue
	MQError:        "Message queue operation failed",
	PublishFailed:  "Failed to publish message",
	ConsumeFailed:  "Failed to consume message",
	MessageInvalid: "Malformed message payload",

	// Object storage
	StorageError:   "Object storage operation failed",
	ObjectNotFound: "Object not found in storage",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Auth & Permission
	TokenExpired:     "Token has expired",
	TokenInvalid:     "Invalid token",
	PermissionDenied: "Permission denied",
	InvalidRole:      "Invalid role",

	// Workload
	WorkloadNotFound:      "Workload not found",
	WorkloadAlreadyExists: "Workload already exists",
	InvalidState:          "Command not allowed in current workload state",
	WorkloadDeleted:       "Workload has been deleted",

	// Budgets & plans
	ResourceDepleted:  "Time or power budget is depleted",
	PlanLimitExceeded: "Plan limit exceeded",
	UnknownPlan:       "Unknown plan",

	// Driver
	DriverError:     "Driver operation failed",
	DriverTransient: "Transient driver failure",
	DriverNotFound:  "Container not found",

	// Launch path
	LaunchFailed: "Failed to launch workload",
	StopFailed:   "Failed to stop workload",
	StatsFailed:  "Failed to read workload stats",

	// Bundle staging
	BundleFetchFailed: "Failed to fetch code bundle",
	BundleInvalid:     "Invalid code bundle",

	// Ledger
	LedgerVersionConflict: "Ledger record was modified concurrently",
	LedgerSaveFailed:      "Failed to persist ledger record",

	// Policy
	RestartLoopBlocked: "Automatic restarts blocked after repeated crashes",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == PermissionDenied, c == PlanLimitExceeded:
		return 403
	case c == NotFound, c == RecordNotFound, c == WorkloadNotFound,
		c == WorkloadDeleted, c == DriverNotFound, c == ObjectNotFound:
		return 404
	case c == InvalidState, c == WorkloadAlreadyExists, c == RecordAlreadyExists,
		c == LedgerVersionConflict, c == ResourceDepleted, c == RestartLoopBlocked:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == DriverTransient:
		return 503
	case c >= 10500 && c < 10600: // Validation errors
		return 400
	case c == InvalidParams, c == UnknownPlan, c == MessageInvalid, c == BundleInvalid:
		return 400
	default:
		return 500
	}
}
