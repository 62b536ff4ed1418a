package protocol

import (
	"strconv"
	"time"
)

// QueryRequest returns the status query for v: DP_QUERY_NEW with an empty
// object on 3.4, DP_QUERY with device identifiers on older revisions.
func QueryRequest(v Version, devID string, now time.Time) *Message {
	if v == Version34 {
		return NewMessage(v, CmdDPQueryNew, map[string]any{})
	}
	return NewMessage(v, CmdDPQuery, map[string]any{
		"gwId":  devID,
		"devId": devID,
		"uid":   devID,
		"t":     timestamp(now),
		"dps":   map[string]any{},
	})
}

// ControlRequest returns a data point write for v.
func ControlRequest(v Version, devID string, dps map[string]any, now time.Time) *Message {
	if v == Version34 {
		return NewMessage(v, CmdControlNew, map[string]any{
			"protocol": 5,
			"t":        now.Unix(),
			"data":     map[string]any{"dps": dps},
		})
	}
	return NewMessage(v, CmdControl, map[string]any{
		"devId": devID,
		"uid":   devID,
		"t":     timestamp(now),
		"dps":   dps,
	})
}

// RefreshRequest asks the device to re-sample the given data points.
func RefreshRequest(v Version, dpIDs []int) *Message {
	ids := make([]any, len(dpIDs))
	for i, id := range dpIDs {
		ids[i] = id
	}
	return NewMessage(v, CmdUpdateDPS, map[string]any{"dpId": ids})
}

// HeartbeatRequest is the keep-alive message for v.
func HeartbeatRequest(v Version, devID string) *Message {
	if v == Version34 {
		return NewMessage(v, CmdHeartBeat, map[string]any{})
	}
	return NewMessage(v, CmdHeartBeat, map[string]any{"gwId": devID, "devId": devID})
}

func timestamp(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10)
}
