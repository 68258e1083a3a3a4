package link

import (
	"time"

	"github.com/barawn/software-pueo-turf/internal/observability"
)

// writeLoop paces a downstream link: clear the response signal, write one
// packet, then hold off until the reader sees any decodable packet or the
// turnaround expires. There is no retry.
func (l *Link) writeLoop() {
	defer l.wg.Done()
	for {
		var pkt []byte
		select {
		case <-l.stop:
			return
		case pkt = <-l.outbound:
		}

		l.clearResponse()
		start := time.Now()
		if err := l.write(pkt); err != nil {
			if !l.stopped.Load() {
				l.fail(err)
			}
			return
		}
		l.bump(&l.totals.Sent, "sent")

		timer := time.NewTimer(l.cfg.Turnaround)
		outcome := "timeout"
		select {
		case <-l.response:
			outcome = "response"
		case <-timer.C:
		case <-l.stop:
			timer.Stop()
			return
		}
		timer.Stop()
		observability.ObserveTurnaround(l.cfg.Name, outcome, time.Since(start))
		l.log.Trace().Str("outcome", outcome).Msg("turnaround")
	}
}
