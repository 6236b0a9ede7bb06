package commands

import (
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/filecast/filecast/internal/transfer"
)

// progressBars renders one bar per file, replacing it when a new file starts.
type progressBars struct {
	mu   sync.Mutex
	name string
	bar  *progressbar.ProgressBar
}

func (p *progressBars) update(pr transfer.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || p.name != pr.FileName {
		if p.bar != nil {
			_ = p.bar.Finish()
		}
		p.name = pr.FileName
		p.bar = progressbar.DefaultBytes(pr.Total, pr.Direction.String()+" "+pr.FileName)
	}
	_ = p.bar.Set64(pr.Bytes)
	if pr.Total > 0 && pr.Bytes >= pr.Total {
		_ = p.bar.Finish()
		p.bar = nil
	}
}

// reset drops the current bar, e.g. after an aborted transfer.
func (p *progressBars) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Exit()
		p.bar = nil
	}
}
