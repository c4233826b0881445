// Package protocol defines the wire formats shared by the control plane and
// the media relays: length-prefixed JSON control frames over TCP and a fixed
// binary header for UDP media datagrams.
package protocol

// Action identifies a control-plane message type
type Action string

// Control-plane actions exchanged over TCP
const (
	ActionHello            Action = "hello"
	ActionWelcome          Action = "welcome"
	ActionHeartbeat        Action = "heartbeat"
	ActionUserJoined       Action = "user_joined"
	ActionUserLeft         Action = "user_left"
	ActionChatMessage      Action = "chat_message"
	ActionPresenterGranted Action = "presenter_granted"
	ActionPresenterRevoked Action = "presenter_revoked"
	ActionScreenFrame      Action = "screen_frame"
	ActionScreenControl    Action = "screen_control"
	ActionFileOffer        Action = "file_offer"
	ActionFileRequest      Action = "file_request"
	ActionFileProgress     Action = "file_progress"
	ActionVideoStatus      Action = "video_status"
	ActionAudioStatus      Action = "audio_status"
	ActionTypingStatus     Action = "typing_status"
	ActionHandStatus       Action = "hand_status"
	ActionReaction         Action = "reaction"
	ActionLatencyUpdate    Action = "latency_update"
	ActionTimeLimitUpdate  Action = "time_limit_update"
	ActionAdminNotice      Action = "admin_notice"
	ActionPresenceSync     Action = "presence_sync"
	ActionPresenceUpdate   Action = "presence_update"
	ActionError            Action = "error"
	ActionKicked           Action = "kicked"
)
