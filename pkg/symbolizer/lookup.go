package symbolizer

// Session is an open debug information file owned by a LookupService.
type Session any

// LookupService maps relative virtual addresses to symbol names using a
// debug information file retrieved from a symbol store.
type LookupService interface {
	LoadSession(path string) (Session, error)
	// Resolve returns "name+0xoffset" for rva, or false if nothing covers it.
	Resolve(s Session, rva uint32) (string, bool)
	ReleaseSession(s Session)
}
