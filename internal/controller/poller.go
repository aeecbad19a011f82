package controller

import (
	"context"
	"strings"

	"reprapctl/internal/model"
)

// StatusFetcher is the part of the command channel the poller needs.
type StatusFetcher interface {
	FetchStatus(ctx context.Context) (model.StatusSnapshot, error)
}

// PollResult is one successful poll. NewMessage is set only when the
// controller's message sequence id moved since the previous poll.
type PollResult struct {
	Snapshot   model.StatusSnapshot
	NewMessage bool
}

// Poller fetches status and deduplicates the firmware message block by
// sequence id. It keeps no other state and never retries on its own.
type Poller struct {
	fetcher StatusFetcher
	lastSeq int
	seen    bool
}

func NewPoller(fetcher StatusFetcher) *Poller {
	return &Poller{fetcher: fetcher}
}

func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	snap, err := p.fetcher.FetchStatus(ctx)
	if err != nil {
		return PollResult{}, err
	}
	fresh := !p.seen || snap.Seq != p.lastSeq
	p.seen = true
	p.lastSeq = snap.Seq
	return PollResult{Snapshot: snap, NewMessage: fresh}, nil
}

// Forget makes the next successful poll surface its message again, as after
// a fresh connect.
func (p *Poller) Forget() {
	p.seen = false
}

// FirmwareVersion extracts the version from an M115 reply such as
// "FIRMWARE_NAME:RepRapFirmware FIRMWARE_VERSION:0.65 ELECTRONICS:Duet".
func FirmwareVersion(resp string) (string, bool) {
	if !strings.Contains(resp, "Firmware") && !strings.Contains(resp, "FIRMWARE") {
		return "", false
	}
	start := strings.Index(resp, "SION:")
	if start < 0 {
		return "", false
	}
	rest := resp[start+len("SION:"):]
	if end := strings.Index(rest, " ELEC"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}
