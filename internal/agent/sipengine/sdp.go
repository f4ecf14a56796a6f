package sipengine

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/media"
)

// buildSDP creates the session description the agent offers or answers
// with. Only PCMU is advertised.
func buildSDP(localAddr string, rtpPort int) ([]byte, error) {
	codec := media.CodecPCMU
	format := strconv.Itoa(int(codec.PayloadType))

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "disarray",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "Disarray Media Session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: localAddr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{format},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d", format, codec.Name, codec.SampleRate)},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SDP: %w", err)
	}
	return body, nil
}

// remoteEndpoint extracts the audio address and port from an SDP body.
func remoteEndpoint(body []byte) (string, int, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return "", 0, fmt.Errorf("failed to parse SDP: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", 0, fmt.Errorf("no media descriptions in SDP")
	}

	mediaDesc := desc.MediaDescriptions[0]
	port := mediaDesc.MediaName.Port.Value

	// Connection information may be at media or session level
	addr := ""
	if mediaDesc.ConnectionInformation != nil && mediaDesc.ConnectionInformation.Address != nil {
		addr = mediaDesc.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	if addr == "" {
		return "", 0, fmt.Errorf("no connection address in SDP")
	}
	return addr, port, nil
}
