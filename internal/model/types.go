package model

type Identity string

func (id Identity) String() string { return string(id) }

type UserProfile struct {
	ID          Identity `json:"_id"`
	Username    string   `json:"username"`
	PhoneNumber string   `json:"phoneNumber"`
	Image       string   `json:"image"`
	About       string   `json:"about"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

const DefaultAbout = "Hey there! I am using WhatsApp."

type MessageRecord struct {
	ID         string   `json:"id"`
	SenderID   Identity `json:"sender_jid"`
	ReceiverID Identity `json:"receiver_jid"`
	Text       string   `json:"message"`
	FileURLs   []string `json:"fileUrls"`
	FileTypes  []string `json:"fileTypes"`
	OneTime    bool     `json:"oneTime"`
	Timestamp  string   `json:"timestamp"`
	CreatedAt  int64    `json:"createdAt"`
}

type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallMissed    CallStatus = "missed"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallCancelled CallStatus = "cancelled"
	CallEnded     CallStatus = "ended"
)

func (s CallStatus) Valid() bool {
	switch s {
	case CallRinging, CallMissed, CallAccepted, CallRejected, CallCancelled, CallEnded:
		return true
	}
	return false
}

type CallRecord struct {
	ID              string     `json:"id"`
	CallerID        Identity   `json:"caller_jid"`
	ReceiverID      Identity   `json:"receiver_jid"`
	CallType        string     `json:"call_type"`
	Status          CallStatus `json:"call_status"`
	StartedAt       int64      `json:"start_time"`
	EndedAt         int64      `json:"end_time"`
	DurationSeconds int64      `json:"duration"`
}
