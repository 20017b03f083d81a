package stream

// Status is the lifecycle state of a stream.
type Status int

const (
	StatusUploading Status = iota
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUploading:
		return "uploading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
