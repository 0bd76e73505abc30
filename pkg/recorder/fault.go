package recorder

// Stage names the pipeline stage a fault originated in.
type Stage string

const (
	StageVideo = Stage("video")
	StageAudio = Stage("audio")
	StageMux   = Stage("mux")
)

// Fault is an asynchronous failure report of one stage. A faulted stage
// stops the whole pipeline on its own (an encoder fault escalates to a hard
// stop, a mux fault to an immediate one); Stopped is closed once that
// teardown has completed, so a consumer can wait for the file to be final.
type Fault struct {
	Stage   Stage
	Err     error
	Stopped <-chan struct{}
}
