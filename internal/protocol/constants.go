package protocol

// Header: [6B type tag, space padded][10B payload length, zero-padded decimal]
const (
	TypeSize   = 6
	LengthSize = 10
	HeaderSize = TypeSize + LengthSize
)

// Envelope prefix: [10B metadata length, zero-padded decimal]
const MetaLengthSize = 10

// MaxPayloadSize is the largest length a 10-digit field can carry.
// It is a representation limit, not a policy cap: readers accept any
// declared length up to it.
const MaxPayloadSize = 9_999_999_999

// Frame type tags.
const (
	TypeAuth  = "AUTH"  // client → server, first frame only
	TypeText  = "TEXT"  // chat line
	TypeSys   = "SYS"   // server → client notices
	TypeVoice = "VOICE" // envelope with WAV body
	TypeFile  = "FILE"  // envelope with file body
)

// Server replies to an AUTH frame.
const (
	AuthOK   = "AUTH_OK"
	AuthFail = "AUTH_FAIL"
)

// QuitCommand ends a session when sent as a TEXT payload.
const QuitCommand = "/quit"

// Attachment kinds carried in Metadata.FileType.
const (
	KindVoice = "VOICE"
	KindImage = "IMAGE"
	KindPDF   = "PDF"
	KindFile  = "FILE"
)
