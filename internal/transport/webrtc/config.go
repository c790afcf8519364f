package webrtc

import "github.com/pion/webrtc/v3"

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// ConfigFromSTUN builds a pion configuration from STUN server URLs,
// falling back to the defaults when none are given.
func ConfigFromSTUN(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = defaultSTUNServers
	}
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, server := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}
	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func defaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := "mesh"
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
