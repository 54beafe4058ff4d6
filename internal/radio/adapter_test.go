package radio

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdapterState_Strings(t *testing.T) {
	assert.Equal(t, "powered_on", AdapterPoweredOn.String())
	assert.Equal(t, "Powered off", AdapterPoweredOff.Description())
	assert.Equal(t, "Not supported", AdapterUnsupported.Description())
	assert.Equal(t, "invalid", AdapterState(42).String())
	assert.Equal(t, "Invalid", AdapterState(-1).Description())
}

func TestAdapterState_Settled(t *testing.T) {
	assert.False(t, AdapterUnknown.Settled())
	assert.False(t, AdapterResetting.Settled())
	assert.True(t, AdapterPoweredOff.Settled())
	assert.True(t, AdapterPoweredOn.Settled())
}

func TestStateForError(t *testing.T) {
	tests := []struct {
		err  error
		want AdapterState
	}{
		{nil, AdapterPoweredOn},
		{fmt.Errorf("%w: cb state 4", ErrBluetoothOff), AdapterPoweredOff},
		{fmt.Errorf("%w: tcc denied", ErrUnauthorized), AdapterUnauthorized},
		{ErrUnsupported, AdapterUnsupported},
		{errors.New("hci0: no such device"), AdapterUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StateForError(tt.err), "%v", tt.err)
	}
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "service not found", (&NotFoundError{Resource: "service"}).Error())
	assert.Equal(t, `service "ffe0" not found`, (&NotFoundError{Resource: "service", UUIDs: []string{"ffe0"}}).Error())
	assert.Equal(t, `characteristic "ffe2" not found in service "ffe0"`,
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"ffe0", "ffe2"}}).Error())
}

func TestProperty_Has(t *testing.T) {
	p := PropWrite | PropNotify
	assert.True(t, p.Has(PropWrite))
	assert.True(t, p.Has(PropWrite|PropNotify))
	assert.False(t, p.Has(PropRead))
}
