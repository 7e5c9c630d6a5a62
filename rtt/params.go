package rtt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// RttParameters is the negotiated state of one RTT stream: which payload
// types carry T.140 and RED, how many redundant generations to carry, the
// pacing rate and whether the far end identified itself as an RTT mixer.
type RttParameters struct {
	T140PayloadType int
	RedPayloadType  int // 0 disables redundancy entirely
	RedundancyLevel int // 0-MaxRedundancy
	CPS             int // characters/sec, 0 = unpaced
	MixerAware      bool
}

// DefaultRttParameters matches the payload type and redundancy level
// conventionally used when no SDP offer/answer has negotiated otherwise.
func DefaultRttParameters() RttParameters {
	return RttParameters{
		T140PayloadType: 98,
		RedPayloadType:  99,
		RedundancyLevel: 3,
		CPS:             0,
		MixerAware:      false,
	}
}

// FindTextMedia returns the first "text" media block in a session
// description, per the typed-accessor contract of §6.2.
func FindTextMedia(sd *sdp.SessionDescription) (*sdp.MediaDescription, bool) {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "text" {
			return md, true
		}
	}
	return nil, false
}

// RtpmapByEncoding scans a media block's rtpmap attributes for one whose
// encoding name matches (case-insensitive), returning its negotiated
// payload type and clock rate.
func RtpmapByEncoding(md *sdp.MediaDescription, encoding string) (payloadType, clockRate int, ok bool) {
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		parts := strings.Split(fields[1], "/")
		if len(parts) == 0 || !strings.EqualFold(parts[0], encoding) {
			continue
		}
		pt, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		rate := 1000
		if len(parts) > 1 {
			if r, err := strconv.Atoi(parts[1]); err == nil {
				rate = r
			}
		}
		return pt, rate, true
	}
	return 0, 0, false
}

// RawFmtp returns the unparsed value of the fmtp attribute for the given
// format number, e.g. "98/98/98" for a RED fmtp line.
func RawFmtp(md *sdp.MediaDescription, format string) (string, bool) {
	for _, a := range md.Attributes {
		if a.Key != "fmtp" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if strings.TrimSpace(fields[0]) != format {
			continue
		}
		return strings.TrimSpace(fields[1]), true
	}
	return "", false
}

// Attribute looks up a named, valueless or single-value session attribute
// on a media block (e.g. "rtt-mixer").
func Attribute(md *sdp.MediaDescription, name string) (string, bool) {
	return md.Attribute(name)
}

// FromMediaDescription derives RttParameters from a negotiated "text"
// media block, using only the canonical by-encoding-name rtpmap form
// (the legacy "t140/1000" clock-string form some stacks still emit is not
// implemented -- see the canonical-only decision recorded in DESIGN.md).
func FromMediaDescription(md *sdp.MediaDescription) (RttParameters, error) {
	params := DefaultRttParameters()
	params.CPS = 0

	t140PT, _, ok := RtpmapByEncoding(md, "t140")
	if !ok {
		return RttParameters{}, fmt.Errorf("rtt: media description has no t140 rtpmap")
	}
	params.T140PayloadType = t140PT

	redPT, _, ok := RtpmapByEncoding(md, "red")
	if !ok {
		params.RedPayloadType = 0
		params.RedundancyLevel = 0
	} else {
		params.RedPayloadType = redPT
		if raw, ok := RawFmtp(md, strconv.Itoa(redPT)); ok {
			params.RedundancyLevel = redundancyLevelFromFmtp(raw, t140PT)
		} else {
			params.RedundancyLevel = 0
		}
	}

	if _, ok := Attribute(md, "rtt-mixer"); ok {
		params.MixerAware = true
	}
	return params, nil
}

// redundancyLevelFromFmtp counts occurrences of the T.140 payload type in
// a RED fmtp parameter string ("98/98/98") and subtracts one: the last
// slash-separated entry names the primary encoding, not a redundant copy.
func redundancyLevelFromFmtp(raw string, t140PT int) int {
	needle := strconv.Itoa(t140PT)
	count := 0
	for _, tok := range strings.Split(raw, "/") {
		if strings.TrimSpace(tok) == needle {
			count++
		}
	}
	level := count - 1
	if level < 0 {
		level = 0
	}
	if level > MaxRedundancy {
		level = MaxRedundancy
	}
	return level
}
