package h2c

import (
	"sync"

	"golang.org/x/net/http2"
)

const (
	minMaxFrameSize = 1 << 14
	maxMaxFrameSize = 1<<24 - 1
)

// PeerSettings records what the server advertised in its SETTINGS frames.
// settings the server didn't send hold the RFC 9113 defaults.
type PeerSettings struct {
	mu       sync.RWMutex
	settings [7]uint32 // indexed by http2.SettingID, 6 is the largest known id
	on       [7][]func(value uint32)
}

func newPeerSettings() *PeerSettings {
	s := &PeerSettings{}
	s.settings[http2.SettingHeaderTableSize] = 4096
	s.settings[http2.SettingEnablePush] = 1
	s.settings[http2.SettingMaxConcurrentStreams] = 0xffffffff
	s.settings[http2.SettingInitialWindowSize] = 65535
	s.settings[http2.SettingMaxFrameSize] = minMaxFrameSize
	s.settings[http2.SettingMaxHeaderListSize] = 0xffffffff
	return s
}

// On registers callback on server pushed settings to client
func (s *PeerSettings) On(id http2.SettingID, do func(value uint32)) {
	if int(id) < len(s.on) {
		s.on[id] = append(s.on[id], do)
	}
}

func (s *PeerSettings) UpdateFrom(frame *http2.SettingsFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frame.ForeachSetting(func(i http2.Setting) error {
		if err := i.Valid(); err != nil {
			return err
		}
		if int(i.ID) >= len(s.settings) {
			return nil // unknown settings must be ignored
		}
		for _, v := range s.on[i.ID] {
			v(i.Val)
		}
		s.settings[i.ID] = i.Val
		return nil
	})
}

func (s *PeerSettings) Get(id http2.SettingID) uint32 {
	if int(id) >= len(s.settings) {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[id]
}

func (s *PeerSettings) MaxFrameSize() uint32 {
	fs := s.Get(http2.SettingMaxFrameSize)
	if fs < minMaxFrameSize {
		return minMaxFrameSize
	}
	if fs > maxMaxFrameSize {
		return maxMaxFrameSize
	}
	return fs
}
