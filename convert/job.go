package convert

import "fmt"

// Job is one source document to convert. Path doubles as its identifier.
type Job struct {
	Path string
	Size int64
}

func (j Job) String() string {
	return fmt.Sprintf("%s (%d bytes)", j.Path, j.Size)
}

// Kind classifies the result of a conversion.
type Kind int

const (
	KindSucceeded Kind = iota + 1
	KindFailed
	KindSkipped
)

func (k Kind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		return "failed"
	case KindSkipped:
		return "skipped"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the immutable result of converting one job.
type Outcome struct {
	Kind     Kind
	TextPath string // set when Kind is KindSucceeded
	Reason   string // set when Kind is KindFailed or KindSkipped
}

func Succeeded(textPath string) Outcome {
	return Outcome{Kind: KindSucceeded, TextPath: textPath}
}

func Failed(reason string) Outcome {
	return Outcome{Kind: KindFailed, Reason: reason}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: KindSkipped, Reason: reason}
}

// Reasons used by the adapter.
const (
	ReasonResolved       = "already resolved"
	ReasonMemoryPressure = "memory-pressure"
)
