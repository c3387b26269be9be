package policy

// Source answers the peer-sharing questions the download coordinator asks
// once at transfer start. The answers come from device policy and payload
// state, both outside the core.
type Source interface {
	UsingPeerSharingForUpload() bool
	UsingPeerSharingForDownload() bool
	PeerURL() string
}

// Static is a fixed policy, useful both as a simple production shim and in
// tests.
type Static struct {
	ShareUpload   bool
	ShareDownload bool
	URL           string
}

var _ Source = (*Static)(nil)

func (s *Static) UsingPeerSharingForUpload() bool   { return s.ShareUpload }
func (s *Static) UsingPeerSharingForDownload() bool { return s.ShareDownload }
func (s *Static) PeerURL() string                   { return s.URL }

// Disabled returns a policy with peer sharing fully off.
func Disabled() *Static {
	return &Static{}
}
