package model

// Message is one record of a mailbox container: the raw header and body bytes
// of a single mail message, exactly as stored after unquoting.
type Message struct {
	// Index is the 1-based position of the message inside its container.
	Index int
	Raw   []byte
}

// File is a named blob that enters or leaves a conversion.
type File struct {
	Name string
	Data []byte

	// Container and Index are set on files produced by splitting a mailbox.
	Container string
	Index     int
}
