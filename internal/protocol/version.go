package protocol

import (
	"strings"
)

// Version identifies a protocol revision. The set is closed: every
// behaviour that differs between revisions is looked up in versionTable.
type Version uint8

const (
	// VersionAuto asks the session to probe the device.
	VersionAuto Version = iota
	Version31
	Version32
	Version33
	Version34
)

// ProbeOrder is the order in which an unpinned session tries revisions.
var ProbeOrder = []Version{Version34, Version33, Version31}

type checksumKind uint8

const (
	checksumCRC32 checksumKind = iota
	checksumHMAC
)

// headerMode says where the "3.x" version header goes.
type headerMode uint8

const (
	// headerSigned: "3.1" + md5 signature + base64 ciphertext, control only.
	headerSigned headerMode = iota
	// headerOuter: "3.x" + 12 zero bytes prepended to the ciphertext.
	headerOuter
	// headerInner: "3.x" + 12 zero bytes prepended to the plaintext.
	headerInner
)

type versionParams struct {
	tag       string
	checksum  checksumKind
	header    headerMode
	handshake bool
}

// versionTable is read-only after init. Index 0 (VersionAuto) is unused.
var versionTable = [...]versionParams{
	Version31: {tag: "3.1", checksum: checksumCRC32, header: headerSigned},
	Version32: {tag: "3.2", checksum: checksumCRC32, header: headerOuter},
	Version33: {tag: "3.3", checksum: checksumCRC32, header: headerOuter},
	Version34: {tag: "3.4", checksum: checksumHMAC, header: headerInner, handshake: true},
}

// ParseVersion accepts "3.3", "v3.3", "ver3.3", and "" or "auto" for probing.
func ParseVersion(s string) (Version, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimPrefix(t, "ver")
	t = strings.TrimPrefix(t, "v")
	switch t {
	case "", "auto":
		return VersionAuto, nil
	case "3.1":
		return Version31, nil
	case "3.2":
		return Version32, nil
	case "3.3":
		return Version33, nil
	case "3.4":
		return Version34, nil
	}
	return VersionAuto, &UnsupportedVersionError{Version: s}
}

func (v Version) String() string {
	if v == VersionAuto {
		return "auto"
	}
	if v.Supported() {
		return versionTable[v].tag
	}
	return "unknown"
}

// Supported reports whether v is a concrete revision with known parameters.
func (v Version) Supported() bool {
	return v > VersionAuto && int(v) < len(versionTable)
}

// RequiresHandshake reports whether v negotiates a session key before use.
func (v Version) RequiresHandshake() bool {
	return v.Supported() && versionTable[v].handshake
}

// Checksum returns the frame checksum scheme of v. The key is only used by
// HMAC revisions and is retained, not copied.
func (v Version) Checksum(key []byte) Checksum {
	if v.Supported() && versionTable[v].checksum == checksumHMAC {
		return HMACChecksum(key)
	}
	return CRC32Checksum()
}

func (v Version) tag() string {
	return versionTable[v].tag
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
