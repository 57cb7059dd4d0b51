package cmd

import (
	"github.com/creativeprojects/mailsync/storage"
	"github.com/pterm/pterm"
)

// progresser shows a progress bar on the terminal. A bar which failed to start is ignored.
type progresser struct {
	pbar *pterm.ProgressbarPrinter
}

var _ storage.Progresser = (*progresser)(nil)

func startProgress(total uint32) *progresser {
	pbar, _ := pterm.DefaultProgressbar.WithTotal(int(total)).Start()
	return &progresser{
		pbar: pbar,
	}
}

func (p *progresser) Increment() {
	if p.pbar == nil {
		return
	}
	p.pbar.Increment()
}

func (p *progresser) Stop() {
	if p.pbar == nil {
		return
	}
	_, _ = p.pbar.Stop()
}
