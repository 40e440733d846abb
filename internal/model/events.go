package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMissingSender    = errors.New("missing sender")
	ErrMissingReceiver  = errors.New("missing receiver")
	ErrAttachmentTags   = errors.New("fileTypes must parallel fileUrls")
	ErrEmptyContent     = errors.New("message or fileUrls required")
	ErrMissingCaller    = errors.New("missing caller")
	ErrSelfCall         = errors.New("caller and receiver are the same identity")
	ErrInvalidElapsed   = errors.New("invalid elapsed time")
	ErrMissingArguments = errors.New("missing event arguments")
)

// Envelope is a point-to-point chat message as sent by the client. Raw keeps
// the object exactly as received; relays forward Raw, not the typed view.
type Envelope struct {
	SenderID            Identity `json:"sender_jid"`
	ReceiverID          Identity `json:"receiver_jid"`
	Type                string   `json:"type,omitempty"`
	Message             *string  `json:"message,omitempty"`
	FileURLs            []string `json:"fileUrls,omitempty"`
	FileTypes           []string `json:"fileTypes,omitempty"`
	OneTime             bool     `json:"oneTime,omitempty"`
	IsCurrentUserSender bool     `json:"isCurrentUserSender,omitempty"`
	Status              string   `json:"status,omitempty"`
	Timestamp           string   `json:"timestamp"`
	SenderImage         string   `json:"Sender_image,omitempty"`
	SenderName          string   `json:"Sender_name,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func DecodeEnvelope(data json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

func (e Envelope) Validate() error {
	if e.SenderID == "" {
		return ErrMissingSender
	}
	if e.ReceiverID == "" {
		return ErrMissingReceiver
	}
	return validateAttachments(e.FileURLs, e.FileTypes)
}

// ValidateContent is the stricter check applied before a message is stored.
func (e Envelope) ValidateContent() error {
	if err := e.Validate(); err != nil {
		return err
	}
	if (e.Message == nil || *e.Message == "") && len(e.FileURLs) == 0 {
		return ErrEmptyContent
	}
	return nil
}

// Payload returns what goes over the wire to a receiver.
func (e Envelope) Payload() any {
	if len(e.Raw) > 0 {
		return e.Raw
	}
	return e
}

func (e Envelope) Record() MessageRecord {
	rec := MessageRecord{
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
		FileURLs:   e.FileURLs,
		FileTypes:  e.FileTypes,
		OneTime:    e.OneTime,
		Timestamp:  e.Timestamp,
	}
	if e.Message != nil {
		rec.Text = *e.Message
	}
	return rec
}

type CommunityEnvelope struct {
	SenderID    Identity   `json:"sender_jid"`
	ReceiverIDs []Identity `json:"receiver_jids"`
	Type        string     `json:"type,omitempty"`
	Message     *string    `json:"message,omitempty"`
	FileURLs    []string   `json:"fileUrls,omitempty"`
	FileTypes   []string   `json:"fileTypes,omitempty"`
	OneTime     bool       `json:"oneTime,omitempty"`
	Timestamp   string     `json:"timestamp"`
	SenderImage string     `json:"Sender_image,omitempty"`
	SenderName  string     `json:"Sender_name,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func DecodeCommunityEnvelope(data json.RawMessage) (CommunityEnvelope, error) {
	var env CommunityEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return CommunityEnvelope{}, fmt.Errorf("decode community envelope: %w", err)
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

func (e CommunityEnvelope) Validate() error {
	if e.SenderID == "" {
		return ErrMissingSender
	}
	if len(e.Receivers()) == 0 {
		return ErrMissingReceiver
	}
	return validateAttachments(e.FileURLs, e.FileTypes)
}

func (e CommunityEnvelope) ValidateContent() error {
	if err := e.Validate(); err != nil {
		return err
	}
	if (e.Message == nil || *e.Message == "") && len(e.FileURLs) == 0 {
		return ErrEmptyContent
	}
	return nil
}

// Receivers returns the non-empty receiver identities with duplicates removed.
func (e CommunityEnvelope) Receivers() []Identity {
	seen := make(map[Identity]struct{}, len(e.ReceiverIDs))
	out := make([]Identity, 0, len(e.ReceiverIDs))
	for _, id := range e.ReceiverIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (e CommunityEnvelope) Payload() any {
	if len(e.Raw) > 0 {
		return e.Raw
	}
	return e
}

func (e CommunityEnvelope) RecordFor(receiver Identity) MessageRecord {
	rec := MessageRecord{
		SenderID:   e.SenderID,
		ReceiverID: receiver,
		FileURLs:   e.FileURLs,
		FileTypes:  e.FileTypes,
		OneTime:    e.OneTime,
		Timestamp:  e.Timestamp,
	}
	if e.Message != nil {
		rec.Text = *e.Message
	}
	return rec
}

func validateAttachments(urls, types []string) error {
	if len(types) > 0 && len(types) != len(urls) {
		return ErrAttachmentTags
	}
	return nil
}

type CallOffer struct {
	CallerID    Identity `json:"callerId"`
	CallerName  string   `json:"callerName"`
	CallerImage string   `json:"callerImage"`
	ReceiverID  Identity `json:"receiverId"`
}

func (o CallOffer) Validate() error {
	if o.CallerID == "" {
		return ErrMissingCaller
	}
	if o.ReceiverID == "" {
		return ErrMissingReceiver
	}
	if o.CallerID == o.ReceiverID {
		return ErrSelfCall
	}
	return nil
}

type CallCancel struct {
	CallerID   Identity `json:"callerId"`
	ReceiverID Identity `json:"receiverId"`
}

type CallEnd struct {
	CutBy   Identity `json:"cuttedBy"`
	CutTo   Identity `json:"cuttedTo"`
	Elapsed Seconds  `json:"elapsedTime"`
}

// Seconds accepts a JSON number or a numeric string.
type Seconds int64

func (s *Seconds) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*s = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return ErrInvalidElapsed
		}
		raw = strings.TrimSpace(str)
		if raw == "" {
			*s = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return ErrInvalidElapsed
	}
	*s = Seconds(int64(f))
	return nil
}

func DecodeIdentity(data json.RawMessage) (Identity, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return Identity(strings.TrimSpace(id)), nil
	}
	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("decode identity: %w", err)
	}
	return Identity(strings.TrimSpace(obj.UserID)), nil
}

func DecodeCallOffer(args []json.RawMessage) (CallOffer, error) {
	if len(args) < 1 {
		return CallOffer{}, ErrMissingArguments
	}
	var offer CallOffer
	if err := json.Unmarshal(args[0], &offer); err != nil {
		return CallOffer{}, fmt.Errorf("decode call offer: %w", err)
	}
	return offer, nil
}

// DecodeCallCancel accepts either ("callerId", "receiverId") or a single
// {callerId, receiverId} object; clients in the wild send both.
func DecodeCallCancel(args []json.RawMessage) (CallCancel, error) {
	if len(args) < 1 {
		return CallCancel{}, ErrMissingArguments
	}
	var c CallCancel
	if err := json.Unmarshal(args[0], &c); err == nil {
		return c, nil
	}
	if len(args) < 2 {
		return CallCancel{}, ErrMissingArguments
	}
	caller, err := DecodeIdentity(args[0])
	if err != nil {
		return CallCancel{}, err
	}
	receiver, err := DecodeIdentity(args[1])
	if err != nil {
		return CallCancel{}, err
	}
	return CallCancel{CallerID: caller, ReceiverID: receiver}, nil
}

// DecodeCallEnd accepts either ("cuttedBy", "cuttedTo", elapsed) or a single
// {cuttedBy, cuttedTo, elapsedTime} object.
func DecodeCallEnd(args []json.RawMessage) (CallEnd, error) {
	if len(args) < 1 {
		return CallEnd{}, ErrMissingArguments
	}
	var end CallEnd
	if err := json.Unmarshal(args[0], &end); err == nil {
		return end, nil
	} else if errors.Is(err, ErrInvalidElapsed) {
		return CallEnd{}, err
	}
	if len(args) < 2 {
		return CallEnd{}, ErrMissingArguments
	}
	by, err := DecodeIdentity(args[0])
	if err != nil {
		return CallEnd{}, err
	}
	to, err := DecodeIdentity(args[1])
	if err != nil {
		return CallEnd{}, err
	}
	end = CallEnd{CutBy: by, CutTo: to}
	if len(args) > 2 {
		if err := json.Unmarshal(args[2], &end.Elapsed); err != nil {
			return CallEnd{}, ErrInvalidElapsed
		}
	}
	return end, nil
}
