package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationURIRoundTrip(t *testing.T) {
	payload := &LocationPayload{
		ActionType:    "attendance_check",
		ActionPointID: "ap-1",
		LocationCode:  "LAB-2",
		TenantID:      "tenant-1",
		Signature:     "deadbeef",
		Rotation:      42,
		EntityID:      "course-cs101",
	}

	uri := BuildLocationURI(payload)
	assert.Contains(t, uri, "acolyte://v1/attendance_check?")

	parsed, err := ParseLocationURI(uri)
	require.NoError(t, err)
	assert.Equal(t, payload.ActionType, parsed.ActionType)
	assert.Equal(t, payload.ActionPointID, parsed.ActionPointID)
	assert.Equal(t, payload.LocationCode, parsed.LocationCode)
	assert.Equal(t, payload.TenantID, parsed.TenantID)
	assert.Equal(t, payload.Signature, parsed.Signature)
	assert.Equal(t, payload.Rotation, parsed.Rotation)
	assert.Equal(t, payload.EntityID, parsed.EntityID)
}

// Only the signature plus one of the point id and location code are
// required; printed posters often omit the rest.
func TestParseLocationURIMinimalForms(t *testing.T) {
	byID, err := ParseLocationURI("acolyte://v1/mess_entry?ap=pt-1&sig=deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "pt-1", byID.ActionPointID)
	assert.Empty(t, byID.LocationCode)
	assert.Zero(t, byID.Rotation)
	assert.Empty(t, byID.EntityID)

	byCode, err := ParseLocationURI("acolyte://v1/mess_entry?lc=MESS-1&sig=deadbeef")
	require.NoError(t, err)
	assert.Empty(t, byCode.ActionPointID)
	assert.Equal(t, "MESS-1", byCode.LocationCode)

	// Unknown parameters are ignored.
	extra, err := ParseLocationURI("acolyte://v1/mess_entry?ap=pt-1&sig=deadbeef&utm_source=poster&x=1")
	require.NoError(t, err)
	assert.Equal(t, "pt-1", extra.ActionPointID)
}

func TestParseLocationURIRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"wrong scheme", "https://v1/attendance_check?ap=a&lc=b&c=c&sig=d&r=1"},
		{"wrong version", "acolyte://v2/attendance_check?ap=a&lc=b&c=c&sig=d&r=1"},
		{"missing action type", "acolyte://v1/?ap=a&lc=b&c=c&sig=d&r=1"},
		{"missing signature", "acolyte://v1/attendance_check?ap=a&lc=b&c=c&r=1"},
		{"neither point id nor location code", "acolyte://v1/attendance_check?c=c&sig=d&r=1"},
		{"non-numeric rotation", "acolyte://v1/attendance_check?ap=a&lc=b&c=c&sig=d&r=x"},
		{"not a uri at all", "hello world"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLocationURI(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestRenderPNG(t *testing.T) {
	png, err := RenderPNG("acolyte://v1/gate_entry?ap=a&lc=b&c=c&sig=d&r=1&e=1", 128)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
	// PNG magic bytes.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestCodeHashing(t *testing.T) {
	hash := HashCode("123456")
	assert.Len(t, hash, 64)
	assert.True(t, VerifyCode("123456", hash))
	assert.False(t, VerifyCode("123457", hash))
	assert.False(t, VerifyCode("", hash))
}
