package domain

// Broadcast channels
const (
	ChannelAccountDiscovery    = "service:account-discovery"
	ChannelAccountEnrichment   = "service:account-enrichment"
	ChannelRegistrationUpdates = "service:registration-updates"

	// ChannelServiceWildcard subscribes to every service:* channel
	ChannelServiceWildcard = "service:*"

	// ChannelLogsAll receives every broadcast log line regardless of service
	ChannelLogsAll  = "logs:all"
	channelLogsBase = "logs:"
)

// Service names used in status snapshots
const (
	ServiceAccountDiscovery  = "account-discovery"
	ServiceAccountEnrichment = "account-enrichment"
	ServiceRegistration      = "registration"
)

// Registration status constants
const (
	RegistrationStatusPending   = "PENDING"
	RegistrationStatusApproved  = "APPROVED"
	RegistrationStatusCompleted = "COMPLETED"
	RegistrationStatusDuplicate = "DUPLICATE"
	RegistrationStatusFailed    = "FAILED"
)

// Pipeline stages
const (
	StageDuplicateCheck    = "DUPLICATE_CHECK"
	StageT24Lookup         = "T24_LOOKUP"
	StageAccountValidation = "ACCOUNT_VALIDATION"
	StageStatusUpdate      = "STATUS_UPDATE"
	StageUpdateUserInfo    = "UPDATE_USER_INFO"
)

// Stage status values
const (
	StageStarted   = "started"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// LogChannel returns the log-line channel for a service
func LogChannel(service string) string {
	return channelLogsBase + service
}
