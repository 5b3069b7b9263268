package signalcore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuntiaos/kernelcore/internal/archsim"
	"github.com/opuntiaos/kernelcore/internal/signalcore"
	"github.com/opuntiaos/kernelcore/internal/zonemap"
)

const jumperPageSize = 0x1000

// trampoline is a stand-in for the signal_caller assembly stub.
var trampoline = []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xC3}

func TestInitJumperCopiesTrampolineAndSealsThePage(t *testing.T) {
	zones := zonemap.New(jumperPageSize, 0xC0000000)
	pt := archsim.NewSimPageTable(jumperPageSize)

	j, err := signalcore.InitJumper(zones, pt, jumperPageSize, trampoline)
	require.NoError(t, err)
	assert.EqualValues(t, jumperPageSize, j.Len)

	got, err := pt.ReadPage(j.Start, len(trampoline))
	require.NoError(t, err)
	assert.Equal(t, trampoline, got, "the trampoline bytes must be in the page")

	flags, ok := pt.FlagsAt(j.Start)
	require.True(t, ok)
	assert.Zero(t, flags&archsim.PageWritable, "the sealed page must not be writable")
	assert.NotZero(t, flags&archsim.PageExecutable)
	assert.NotZero(t, flags&archsim.PageUser)

	err = pt.CopyToPage(j.Start, []byte{0x90})
	assert.Error(t, err, "writing the sealed trampoline page must fail")

	z, found := zones.FindZone(j.Start)
	require.True(t, found, "the trampoline page must occupy a real zone")
	assert.Equal(t, zonemap.ZoneTypeCode, z.Type)
	assert.Zero(t, z.Flags&zonemap.ZoneWritable)
}

func TestInitJumperRejectsOversizedTrampoline(t *testing.T) {
	zones := zonemap.New(jumperPageSize, 0xC0000000)
	pt := archsim.NewSimPageTable(jumperPageSize)

	_, err := signalcore.InitJumper(zones, pt, jumperPageSize, make([]byte, jumperPageSize+1))
	assert.Error(t, err)
}

func TestHandlerDeliveryResumesAtTrampoline(t *testing.T) {
	d, _, _ := newDispatcher()

	zones := zonemap.New(jumperPageSize, 0xC0000000)
	pt := archsim.NewSimPageTable(jumperPageSize)
	j, err := signalcore.InitJumper(zones, pt, jumperPageSize, trampoline)
	require.NoError(t, err)
	d.SetJumper(j)

	th := signalcore.NewThread(0, &signalcore.Trapframe{InstructionPointer: 0x1234}, &signalcore.Context{})
	th.Running = true

	const sigusr1 = 10
	require.NoError(t, th.Signals.SetHandler(sigusr1, 0xDEAD))
	require.NoError(t, th.Signals.SetAllow(sigusr1, true))
	require.NoError(t, th.Signals.SetPending(sigusr1))

	require.NoError(t, d.DispatchPending(th))
	assert.Equal(t, j.Start, th.TF.InstructionPointer,
		"handler delivery must resume in the trampoline, not the interrupted code")
}
