package training

import (
	"sync"
	"time"

	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// chunkTimeWindow is how many recent chunks feed the moving average
// behind the completion estimate.
const chunkTimeWindow = 100

// job is the in-memory state of one running training job: the stop
// flag and the timing history for progress estimates.
type job struct {
	kb *storage.KnowledgeBase

	mu               sync.Mutex
	stop             bool
	remainingDocs    int
	processed        int
	initialProcessed int
	total            int

	chunkTimes []time.Duration // ring, most recent chunkTimeWindow
	chunksDone int
}

func newJob(kb *storage.KnowledgeBase) *job {
	return &job{kb: kb}
}

func (j *job) begin(remaining, processed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.remainingDocs = remaining
	j.processed = processed
	j.initialProcessed = processed
	j.total = total
}

func (j *job) requestStop() {
	j.mu.Lock()
	j.stop = true
	j.mu.Unlock()
}

func (j *job) stopRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stop
}

func (j *job) docDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.processed++
	j.remainingDocs--
}

// recordChunks folds one document's embed+index timing into the
// per-chunk moving average.
func (j *job) recordChunks(n int, elapsed time.Duration) {
	if n <= 0 {
		return
	}
	per := elapsed / time.Duration(n)
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := 0; i < n; i++ {
		if len(j.chunkTimes) < chunkTimeWindow {
			j.chunkTimes = append(j.chunkTimes, per)
		} else {
			j.chunkTimes[j.chunksDone%chunkTimeWindow] = per
		}
		j.chunksDone++
	}
}

func (j *job) progress() (percent, processed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.total > 0 {
		percent = (100*j.processed + j.total/2) / j.total
	}
	return percent, j.processed, j.total
}

// estimate projects the completion time from the moving average and
// the average chunk count of documents processed so far.
func (j *job) estimate() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	done := j.processed - j.initialProcessed
	if done == 0 || j.chunksDone == 0 || len(j.chunkTimes) == 0 || j.remainingDocs <= 0 {
		return time.Time{}, false
	}
	var sum time.Duration
	for _, d := range j.chunkTimes {
		sum += d
	}
	perChunk := sum / time.Duration(len(j.chunkTimes))
	chunksPerDoc := float64(j.chunksDone) / float64(done)
	remaining := time.Duration(float64(j.remainingDocs) * chunksPerDoc * float64(perChunk))
	return time.Now().UTC().Add(remaining), true
}
