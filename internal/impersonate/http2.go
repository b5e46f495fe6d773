package impersonate

import (
	"golang.org/x/net/http2"
)

// HTTP2Params are the values a browser advertises when opening an HTTP/2
// connection. a nil field is left to the transport's default.
type HTTP2Params struct {
	InitialStreamWindowSize     *uint32 `yaml:"initial_stream_window_size"`
	InitialConnectionWindowSize *uint32 `yaml:"initial_connection_window_size"`
	MaxConcurrentStreams        *uint32 `yaml:"max_concurrent_streams"`
	MaxHeaderListSize           *uint32 `yaml:"max_header_list_size"`
	HeaderTableSize             *uint32 `yaml:"header_table_size"`
	EnablePush                  *bool   `yaml:"enable_push"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (p HTTP2Params) clone() HTTP2Params {
	return HTTP2Params{
		InitialStreamWindowSize:     clonePtr(p.InitialStreamWindowSize),
		InitialConnectionWindowSize: clonePtr(p.InitialConnectionWindowSize),
		MaxConcurrentStreams:        clonePtr(p.MaxConcurrentStreams),
		MaxHeaderListSize:           clonePtr(p.MaxHeaderListSize),
		HeaderTableSize:             clonePtr(p.HeaderTableSize),
		EnablePush:                  clonePtr(p.EnablePush),
	}
}

// Settings lists the SETTINGS frame parameters in the order Chrome sends them
func (p *HTTP2Params) Settings() []http2.Setting {
	var s []http2.Setting
	add := func(id http2.SettingID, v *uint32) {
		if v != nil {
			s = append(s, http2.Setting{ID: id, Val: *v})
		}
	}
	add(http2.SettingHeaderTableSize, p.HeaderTableSize)
	if p.EnablePush != nil {
		push := uint32(0)
		if *p.EnablePush {
			push = 1
		}
		add(http2.SettingEnablePush, &push)
	}
	add(http2.SettingMaxConcurrentStreams, p.MaxConcurrentStreams)
	add(http2.SettingInitialWindowSize, p.InitialStreamWindowSize)
	add(http2.SettingMaxHeaderListSize, p.MaxHeaderListSize)
	return s
}

// initialConnectionWindow is the flow control window every connection starts with
const initialConnectionWindow = 65535

// ConnectionWindowIncrement is the WINDOW_UPDATE increment sent on stream 0
// right after the preface, zero means none is sent.
func (p *HTTP2Params) ConnectionWindowIncrement() uint32 {
	if p.InitialConnectionWindowSize == nil || *p.InitialConnectionWindowSize <= initialConnectionWindow {
		return 0
	}
	return *p.InitialConnectionWindowSize - initialConnectionWindow
}
