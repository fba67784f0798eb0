package voice

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowkeylabs/voicebot/internal/logging"
)

// SegmentSink receives one finalized utterance of decoded PCM.
type SegmentSink func(speakerID string, pcm []byte, correlationID string)

// SegmenterConfig are the capture thresholds, all in milliseconds except
// the RMS floor.
type SegmenterConfig struct {
	SilenceThresholdMs int
	MinAudioMs         int
	MaxRecordingMs     int
	RMSThreshold       float64
	SampleRate         int
}

type speakerCapture struct {
	chunks        [][]byte
	totalBytes    int
	recording     bool
	lastActivity  time.Time
	silenceTimer  *time.Timer
	correlationID string
}

// Segmenter accumulates per-speaker audio and emits one segment per
// utterance. An utterance closes when the speaker stays silent past the
// silence threshold or the buffer reaches the max recording duration.
// Segments shorter than the minimum duration or quieter than the RMS
// floor are dropped before reaching the sink.
type Segmenter struct {
	cfg  SegmenterConfig
	sink SegmentSink

	mu       sync.Mutex
	speakers map[string]*speakerCapture
}

func NewSegmenter(cfg SegmenterConfig, sink SegmentSink) *Segmenter {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = CaptureSampleRate
	}
	return &Segmenter{
		cfg:      cfg,
		sink:     sink,
		speakers: make(map[string]*speakerCapture),
	}
}

// OnSpeechStart opens a capture buffer for the speaker if one is not
// already open, and cancels any pending silence timer. Restarting while a
// timer is pending resumes the same utterance.
func (s *Segmenter) OnSpeechStart(speakerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.speakers[speakerID]
	if sp == nil {
		sp = &speakerCapture{correlationID: uuid.NewString()}
		s.speakers[speakerID] = sp
	}
	if sp.silenceTimer != nil {
		sp.silenceTimer.Stop()
		sp.silenceTimer = nil
	}
	if !sp.recording {
		sp.recording = true
		logging.Debugw("capture started", "speaker", speakerID, "correlation_id", sp.correlationID)
	}
	sp.lastActivity = time.Now()
}

// OnAudioChunk appends decoded PCM to the speaker's open buffer. Chunks
// arriving with no open buffer are ignored. Hitting the max recording
// duration finalizes the buffer immediately.
func (s *Segmenter) OnAudioChunk(speakerID string, pcm []byte) {
	s.mu.Lock()
	sp := s.speakers[speakerID]
	if sp == nil || !sp.recording {
		s.mu.Unlock()
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	sp.chunks = append(sp.chunks, buf)
	sp.totalBytes += len(buf)
	sp.lastActivity = time.Now()

	if DurationMs(sp.totalBytes, s.cfg.SampleRate) >= s.cfg.MaxRecordingMs {
		pcm, cid := s.drainLocked(speakerID, sp)
		s.mu.Unlock()
		if pcm != nil {
			logging.Debugw("max recording duration reached", "speaker", speakerID, "correlation_id", cid)
			s.emit(speakerID, pcm, cid)
		}
		return
	}
	s.mu.Unlock()
}

// OnSpeechEnd arms the silence timer. The utterance finalizes only if the
// speaker does not resume before the threshold elapses.
func (s *Segmenter) OnSpeechEnd(speakerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.speakers[speakerID]
	if sp == nil || !sp.recording {
		return
	}
	if sp.silenceTimer != nil {
		sp.silenceTimer.Stop()
	}
	sp.silenceTimer = time.AfterFunc(time.Duration(s.cfg.SilenceThresholdMs)*time.Millisecond, func() {
		s.finalize(speakerID)
	})
}

func (s *Segmenter) finalize(speakerID string) {
	s.mu.Lock()
	sp := s.speakers[speakerID]
	if sp == nil || !sp.recording {
		s.mu.Unlock()
		return
	}
	pcm, cid := s.drainLocked(speakerID, sp)
	s.mu.Unlock()
	if pcm != nil {
		s.emit(speakerID, pcm, cid)
	}
}

// drainLocked empties the speaker's buffer and resets the capture so a
// single buffer can never finalize twice. Caller holds s.mu.
func (s *Segmenter) drainLocked(speakerID string, sp *speakerCapture) ([]byte, string) {
	if sp.silenceTimer != nil {
		sp.silenceTimer.Stop()
		sp.silenceTimer = nil
	}
	if sp.totalBytes == 0 {
		sp.recording = false
		return nil, ""
	}
	pcm := make([]byte, 0, sp.totalBytes)
	for _, c := range sp.chunks {
		pcm = append(pcm, c...)
	}
	cid := sp.correlationID
	sp.chunks = nil
	sp.totalBytes = 0
	sp.recording = false
	sp.correlationID = uuid.NewString()
	return pcm, cid
}

func (s *Segmenter) emit(speakerID string, pcm []byte, correlationID string) {
	dur := DurationMs(len(pcm), s.cfg.SampleRate)
	if dur < s.cfg.MinAudioMs {
		logging.Debugw("segment below minimum duration, dropped",
			"speaker", speakerID, "duration_ms", dur, "correlation_id", correlationID)
		return
	}
	if rms := RMS(pcm); rms < s.cfg.RMSThreshold {
		logging.Debugw("segment below loudness floor, dropped",
			"speaker", speakerID, "rms", rms, "correlation_id", correlationID)
		return
	}
	s.sink(speakerID, pcm, correlationID)
}

// Active reports whether any speaker has an open capture buffer.
func (s *Segmenter) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.speakers {
		if sp.recording {
			return true
		}
	}
	return false
}

// Recording reports whether the speaker has an open capture buffer.
func (s *Segmenter) Recording(speakerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.speakers[speakerID]
	return sp != nil && sp.recording
}

// DiscardAll drops every in-flight capture. Used when the underlying
// connection drops, since audio spanning the gap would be corrupt.
func (s *Segmenter) DiscardAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sp := range s.speakers {
		if sp.silenceTimer != nil {
			sp.silenceTimer.Stop()
			sp.silenceTimer = nil
		}
		if sp.recording {
			logging.Debugw("capture discarded", "speaker", id, "correlation_id", sp.correlationID)
		}
		sp.chunks = nil
		sp.totalBytes = 0
		sp.recording = false
		sp.correlationID = uuid.NewString()
	}
}
