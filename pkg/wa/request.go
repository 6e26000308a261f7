package wa

// Request is one outbound operation. The concrete types below are the only
// implementations; Dispatcher.Dispatch routes on them.
type Request interface {
	Recipient() string
	kind() string
}

type TextRequest struct {
	To   string
	Body string
}

type ImageRequest struct {
	To      string
	Path    string
	Caption string
}

type VideoRequest struct {
	To      string
	Path    string
	Caption string
}

// AudioRequest sends a voice note. Path must already be in the voice-note
// codec; SendMedia transcodes before building one.
type AudioRequest struct {
	To   string
	Path string
}

type FileRequest struct {
	To   string
	Path string
}

// Button is one reply button. Only Body is shown to the recipient.
type Button struct {
	Body string `json:"body"`
}

type ButtonsRequest struct {
	To      string
	Text    string
	Buttons []Button
}

// PollRequest creates a single-select poll. At least two options are needed.
type PollRequest struct {
	To      string
	Name    string
	Options []string
}

type LocationRequest struct {
	To        string
	Latitude  float64
	Longitude float64
	Quoted    *QuotedMessage
}

type ContactRequest struct {
	To          string
	Number      string
	DisplayName string
	Quoted      *QuotedMessage
}

type StickerRequest struct {
	To      string
	Source  string
	Options StickerOptions
	Quoted  *QuotedMessage
}

type PresenceRequest struct {
	To    string
	State Presence
}

func (r TextRequest) Recipient() string     { return r.To }
func (r ImageRequest) Recipient() string    { return r.To }
func (r VideoRequest) Recipient() string    { return r.To }
func (r AudioRequest) Recipient() string    { return r.To }
func (r FileRequest) Recipient() string     { return r.To }
func (r ButtonsRequest) Recipient() string  { return r.To }
func (r PollRequest) Recipient() string     { return r.To }
func (r LocationRequest) Recipient() string { return r.To }
func (r ContactRequest) Recipient() string  { return r.To }
func (r StickerRequest) Recipient() string  { return r.To }
func (r PresenceRequest) Recipient() string { return r.To }

func (TextRequest) kind() string     { return "text" }
func (ImageRequest) kind() string    { return "image" }
func (VideoRequest) kind() string    { return "video" }
func (AudioRequest) kind() string    { return "audio" }
func (FileRequest) kind() string     { return "file" }
func (ButtonsRequest) kind() string  { return "buttons" }
func (PollRequest) kind() string     { return "poll" }
func (LocationRequest) kind() string { return "location" }
func (ContactRequest) kind() string  { return "contact" }
func (StickerRequest) kind() string  { return "sticker" }
func (PresenceRequest) kind() string { return "presence" }

// Kind names the request variant, as used in logs and metrics.
func Kind(r Request) string {
	if r == nil {
		return ""
	}
	return r.kind()
}

// SendOptions bundles the optional parts of SendMessage. Buttons turn the
// message into a poll; Media sends the referenced file with the body as
// caption.
type SendOptions struct {
	Buttons []Button `json:"buttons,omitempty"`
	Media   string   `json:"media,omitempty"`
}

// Result reports the outcome of a dispatched request. Sent is false only for
// requests rejected before reaching the transport without an error, such as
// a poll with fewer than two options.
type Result struct {
	Sent    bool
	Message SendResult
}
