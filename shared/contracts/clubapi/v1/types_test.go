package v1

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestID_UnmarshalNumberAndString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want ID
	}{
		{in: `7`, want: "7"},
		{in: `"3"`, want: "3"},
		{in: `null`, want: ""},
		{in: `"club-a"`, want: "club-a"},
	}

	for _, tc := range cases {
		var got ID
		require.NoError(t, json.Unmarshal([]byte(tc.in), &got), tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestTokenResponse_AccessValue(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a", TokenResponse{Token: "t", AccessToken: "a"}.AccessValue())
	require.Equal(t, "t", TokenResponse{Token: "t"}.AccessValue())
}

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeNotificationNew, TS: time.Now(), Payload: json.RawMessage(`{}`)}
	require.NoError(t, ok.Validate())

	require.Error(t, Envelope{V: "v0", Type: TypePing}.Validate())
	require.Error(t, Envelope{V: Version, Type: TypeNotificationNew}.Validate())
	require.Error(t, Envelope{V: Version, Type: "message_new"}.Validate())
	require.NoError(t, Envelope{V: Version, Type: TypePing}.Validate())
}
