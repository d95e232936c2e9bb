package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestHMACRoundTrip(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := SignHMACSHA256("whsec", body)

	require.True(t, VerifyHMACSHA256("whsec", body, sig))
	require.True(t, VerifyHMACSHA256("whsec", body, "sha256="+sig))
	require.False(t, VerifyHMACSHA256("other", body, sig))
	require.False(t, VerifyHMACSHA256("whsec", []byte(`{"id":"evt_2"}`), sig))
	require.False(t, VerifyHMACSHA256("whsec", body, "not-hex"))
	require.False(t, VerifyHMACSHA256("", body, sig))
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testKeyHex)
	require.NoError(t, err)

	sealed, err := s.Seal("DE89370400440532013000")
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "DE89")

	again, err := s.Seal("DE89370400440532013000")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "DE89370400440532013000", plain)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	require.ErrorIs(t, err, ErrInvalidSealed)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer("abcd")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestFingerprintIgnoresFormatting(t *testing.T) {
	s, err := NewSealer(testKeyHex)
	require.NoError(t, err)
	require.Equal(t, s.Fingerprint("DE89 3704 0044 0532 0130 00"), s.Fingerprint("de89370400440532013000"))
}

func TestMaskAndValidateIBAN(t *testing.T) {
	require.Equal(t, "DE89***3000", MaskIBAN("DE89 3704 0044 0532 0130 00"))
	require.Equal(t, "***", MaskIBAN("short"))
	require.True(t, ValidIBAN("DE89 3704 0044 0532 0130 00"))
	require.True(t, ValidIBAN("GB82WEST12345698765432"))
	require.False(t, ValidIBAN("DE89370400440532013001"))
	require.False(t, ValidIBAN(strings.Repeat("1", 10)))
}

func TestTimestampedPayload(t *testing.T) {
	require.Equal(t, []byte(`1800000000.{"id":"evt_1"}`), TimestampedPayload("1800000000", []byte(`{"id":"evt_1"}`)))
	require.NotEqual(t,
		SignHMACSHA256("whsec", TimestampedPayload("1", []byte("body"))),
		SignHMACSHA256("whsec", TimestampedPayload("2", []byte("body"))))
}
