package signalcore

import (
	"fmt"

	"github.com/opuntiaos/kernelcore/internal/archsim"
	"github.com/opuntiaos/kernelcore/internal/kernerr"
	"github.com/opuntiaos/kernelcore/internal/zonemap"
)

// Jumper is the signal trampoline page (_signal_jumper_zone): one page of
// address space holding the signal_caller stub that every delivered signal
// resumes into. Its job is to call the user handler and then issue the
// signal-return syscall; delivery sets the thread's instruction pointer to
// Start.
type Jumper struct {
	Start uint64
	Len   uint64
}

// InitJumper carves one page out of zones for the trampoline, loads it
// writable, copies caller (the signal_caller_start..signal_caller_end
// region) into it, then tunes the page read+exec+user so it is never
// writable again (signal_init / _signal_init_caller).
func InitJumper(zones *zonemap.ZoneMap, pt archsim.PageTable, pageSize uint64, caller []byte) (*Jumper, error) {
	if len(caller) == 0 || uint64(len(caller)) > pageSize {
		return nil, fmt.Errorf("signalcore: trampoline of %d bytes does not fit one page: %w",
			len(caller), kernerr.ErrInvalidArgument)
	}

	zone, ok := zones.NewRandomZone(pageSize)
	if !ok {
		return nil, fmt.Errorf("signalcore: no room for trampoline zone: %w", kernerr.ErrOutOfMemory)
	}
	zone.Type = zonemap.ZoneTypeCode
	zone.Flags = zonemap.ZoneReadable | zonemap.ZoneExecutable | zonemap.ZoneUser

	if err := pt.LoadPage(zone.Start, archsim.PageWritable|archsim.PageExecutable|archsim.PageReadable|archsim.PageUser); err != nil {
		return nil, fmt.Errorf("signalcore: loading trampoline page: %w", err)
	}
	if err := pt.CopyToPage(zone.Start, caller); err != nil {
		return nil, fmt.Errorf("signalcore: copying trampoline: %w", err)
	}
	if err := pt.TunePage(zone.Start, archsim.PageExecutable|archsim.PageReadable|archsim.PageUser); err != nil {
		return nil, fmt.Errorf("signalcore: sealing trampoline page: %w", err)
	}

	return &Jumper{Start: zone.Start, Len: zone.Len}, nil
}
