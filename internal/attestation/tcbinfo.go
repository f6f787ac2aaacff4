package attestation

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// dstack extends RTMR3 with runtime events of this type.
const RuntimeEventType uint32 = 0x08000001

const (
	composeHashEvent = "compose-hash"
	bootDoneEvent    = "boot-mr-done"
)

// TCBInfo is the tcb_info document reported by the dstack guest agent.
type TCBInfo struct {
	MrTd       string  `json:"mrtd,omitempty"`
	RTMR3      string  `json:"rtmr3,omitempty"`
	EventLog   []Event `json:"event_log"`
	AppCompose string  `json:"app_compose"`
}

// Event is one entry of the CVM event log.
type Event struct {
	IMR          uint32 `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"`
}

type appCompose struct {
	DockerComposeFile string `json:"docker_compose_file"`
}

func ParseTCBInfo(doc string) (*TCBInfo, error) {
	var t TCBInfo
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("%w: decode tcb_info: %v", ErrResolution, err)
	}
	if len(t.EventLog) == 0 {
		return nil, fmt.Errorf("%w: tcb_info has no event log", ErrResolution)
	}
	if t.AppCompose == "" {
		return nil, fmt.Errorf("%w: tcb_info has no app_compose", ErrResolution)
	}
	return &t, nil
}

// RuntimeEventDigest is the digest dstack extends into RTMR3 for a runtime event.
func RuntimeEventDigest(eventType uint32, name string, payload []byte) [48]byte {
	h := sha512.New384()
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], eventType)
	h.Write(le[:])
	h.Write([]byte(":"))
	h.Write([]byte(name))
	h.Write([]byte(":"))
	h.Write(payload)
	var out [48]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ReplayRTMR folds every event of register imr starting from the zero value.
// Runtime events are checked against their recomputed digest on the way.
func (t *TCBInfo) ReplayRTMR(imr uint32) ([48]byte, error) {
	var mr [48]byte
	for i, ev := range t.EventLog {
		if ev.IMR != imr {
			continue
		}
		digest, err := hex.DecodeString(ev.Digest)
		if err != nil || len(digest) != len(mr) {
			return mr, fmt.Errorf("%w: event %d has malformed digest", ErrResolution, i)
		}
		if ev.EventType == RuntimeEventType {
			payload, err := hex.DecodeString(ev.EventPayload)
			if err != nil {
				return mr, fmt.Errorf("%w: event %d (%s) has malformed payload", ErrResolution, i, ev.Event)
			}
			want := RuntimeEventDigest(ev.EventType, ev.Event, payload)
			if hex.EncodeToString(want[:]) != strings.ToLower(ev.Digest) {
				return mr, fmt.Errorf("%w: event %d (%s) digest does not match its payload", ErrResolution, i, ev.Event)
			}
		}
		h := sha512.New384()
		h.Write(mr[:])
		h.Write(digest)
		copy(mr[:], h.Sum(nil))
	}
	return mr, nil
}

// ComposeFile checks the compose-hash event against app_compose and returns
// the embedded docker compose document. The event must appear exactly once,
// as a runtime event, before boot-mr-done.
func (t *TCBInfo) ComposeFile() (string, error) {
	var payload string
	found, booted := false, false
	for i, ev := range t.EventLog {
		if ev.IMR != 3 {
			continue
		}
		switch ev.Event {
		case bootDoneEvent:
			booted = true
		case composeHashEvent:
			switch {
			case found:
				return "", fmt.Errorf("%w: event log has more than one %s event", ErrResolution, composeHashEvent)
			case ev.EventType != RuntimeEventType:
				return "", fmt.Errorf("%w: event %d (%s) has type %#x, want runtime event", ErrResolution, i, composeHashEvent, ev.EventType)
			case booted:
				return "", fmt.Errorf("%w: event %d (%s) was emitted after %s", ErrResolution, i, composeHashEvent, bootDoneEvent)
			}
			payload = strings.ToLower(ev.EventPayload)
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: event log has no %s event", ErrResolution, composeHashEvent)
	}

	sum := sha256.Sum256([]byte(t.AppCompose))
	if hex.EncodeToString(sum[:]) != payload {
		return "", fmt.Errorf("%w: app_compose does not match measured compose hash", ErrResolution)
	}

	var ac appCompose
	if err := json.Unmarshal([]byte(t.AppCompose), &ac); err != nil {
		return "", fmt.Errorf("%w: decode app_compose: %v", ErrResolution, err)
	}
	if strings.TrimSpace(ac.DockerComposeFile) == "" {
		return "", fmt.Errorf("%w: app_compose has no docker_compose_file", ErrResolution)
	}
	return ac.DockerComposeFile, nil
}
