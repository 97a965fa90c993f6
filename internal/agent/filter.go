package agent

import (
	"strings"

	"github.com/opencmit/alphora/pkg/models"
)

// taskFinishedFilter strips the completion sentinel from content chunks.
// The sentinel may arrive split across chunk boundaries, so the filter holds
// back any trailing partial match until the next chunk settles it. Tool and
// think chunks pass through untouched.
type taskFinishedFilter struct {
	held     string
	heldType models.ContentType
	seen     bool
}

func (f *taskFinishedFilter) Name() string { return "task_finished_filter" }

func (f *taskFinishedFilter) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	if ev.ContentType == models.ContentTypeTool || ev.ContentType == models.ContentTypeThink {
		out := f.release()
		return append(out, ev)
	}

	var out []models.ChunkEvent
	s := ev.Content
	if f.held != "" {
		if f.heldType == ev.ContentType {
			s = f.held + s
			f.held = ""
		} else {
			out = f.release()
		}
	}

	for strings.Contains(s, TaskFinished) {
		f.seen = true
		s = strings.Replace(s, TaskFinished, "", 1)
	}

	if keep := partialSentinelSuffix(s); keep > 0 {
		f.held = s[len(s)-keep:]
		f.heldType = ev.ContentType
		s = s[:len(s)-keep]
	}
	if s != "" {
		out = append(out, models.NewChunk(ev.ContentType, s))
	}
	return out
}

func (f *taskFinishedFilter) Flush() []models.ChunkEvent {
	return f.release()
}

func (f *taskFinishedFilter) release() []models.ChunkEvent {
	if f.held == "" {
		return nil
	}
	ev := models.NewChunk(f.heldType, f.held)
	f.held = ""
	return []models.ChunkEvent{ev}
}

// partialSentinelSuffix returns the length of the longest suffix of s that
// is a proper prefix of the sentinel.
func partialSentinelSuffix(s string) int {
	max := len(TaskFinished) - 1
	if len(s) < max {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, TaskFinished[:l]) {
			return l
		}
	}
	return 0
}
