package protocol

import "fmt"

// Command is a frame command code. Codes not listed below are carried
// through unchanged.
type Command uint32

const (
	CmdUDP              Command = 0x00
	CmdAPConfig         Command = 0x01
	CmdActive           Command = 0x02
	CmdSessKeyNegStart  Command = 0x03
	CmdSessKeyNegResp   Command = 0x04
	CmdSessKeyNegFinish Command = 0x05
	CmdUnbind           Command = 0x06
	CmdControl          Command = 0x07
	CmdStatus           Command = 0x08
	CmdHeartBeat        Command = 0x09
	CmdDPQuery          Command = 0x0a
	CmdQueryWifi        Command = 0x0b
	CmdTokenBind        Command = 0x0c
	CmdControlNew       Command = 0x0d
	CmdEnableWifi       Command = 0x0e
	CmdWifiInfo         Command = 0x0f
	CmdDPQueryNew       Command = 0x10
	CmdSceneExecute     Command = 0x11
	CmdUpdateDPS        Command = 0x12
	CmdUDPNew           Command = 0x13
	CmdAPConfigNew      Command = 0x14
	CmdBroadcastLPV     Command = 0x23
	CmdReqDevInfo       Command = 0x25
	CmdLanExtStream     Command = 0x40
)

var commandNames = map[Command]string{
	CmdUDP:              "UDP",
	CmdAPConfig:         "AP_CONFIG",
	CmdActive:           "ACTIVE",
	CmdSessKeyNegStart:  "SESS_KEY_NEG_START",
	CmdSessKeyNegResp:   "SESS_KEY_NEG_RESP",
	CmdSessKeyNegFinish: "SESS_KEY_NEG_FINISH",
	CmdUnbind:           "UNBIND",
	CmdControl:          "CONTROL",
	CmdStatus:           "STATUS",
	CmdHeartBeat:        "HEART_BEAT",
	CmdDPQuery:          "DP_QUERY",
	CmdQueryWifi:        "QUERY_WIFI",
	CmdTokenBind:        "TOKEN_BIND",
	CmdControlNew:       "CONTROL_NEW",
	CmdEnableWifi:       "ENABLE_WIFI",
	CmdWifiInfo:         "WIFI_INFO",
	CmdDPQueryNew:       "DP_QUERY_NEW",
	CmdSceneExecute:     "SCENE_EXECUTE",
	CmdUpdateDPS:        "UPDATE_DPS",
	CmdUDPNew:           "UDP_NEW",
	CmdAPConfigNew:      "AP_CONFIG_NEW",
	CmdBroadcastLPV:     "BROADCAST_LPV",
	CmdReqDevInfo:       "REQ_DEVINFO",
	CmdLanExtStream:     "LAN_EXT_STREAM",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint32(c))
}

// Known reports whether c is one of the documented command codes.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// noProtocolHeader reports whether payloads of c travel without the
// "3.x" version header on 3.2+ devices.
func (c Command) noProtocolHeader() bool {
	switch c {
	case CmdDPQuery, CmdDPQueryNew, CmdUpdateDPS, CmdHeartBeat,
		CmdSessKeyNegStart, CmdSessKeyNegResp, CmdSessKeyNegFinish,
		CmdLanExtStream:
		return true
	}
	return false
}

// isHandshake reports whether c is one of the 3.4 session key negotiation steps.
func (c Command) isHandshake() bool {
	return c == CmdSessKeyNegStart || c == CmdSessKeyNegResp || c == CmdSessKeyNegFinish
}
