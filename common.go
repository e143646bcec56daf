package interop

const DefaultPort = 4433
const DefaultBindIP = "::1"

const SendChunkSize = 40960   // Server-side read size when streaming a file
const MaxRequestLength = 8192 // Requests longer than this are malformed
const MaxStatusLineLength = 64

const DefaultDownloadName = "index.html"

// Application error codes used on connections and streams
const (
	NoError          uint64 = 0x0
	ProtocolError    uint64 = 0x1
	InternalError    uint64 = 0x2
	EarlyDataAborted uint64 = 0x3
	CipherMismatch   uint64 = 0x4
)

const QUICVersion1 uint32 = 0x00000001

// RestrictedSupportedVersions is the version set a server announces when a scenario forces version negotiation.
var RestrictedSupportedVersions = []uint32{QUICVersion1}

var ALPNTokens = []string{"hq-interop", "hq-32", "hq-31", "hq-30", "hq-29"}

type Role string

const (
	ClientRole Role = "client"
	ServerRole Role = "server"
)
