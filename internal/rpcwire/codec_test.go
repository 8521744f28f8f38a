package rpcwire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestJSONCodecRoundTrips(t *testing.T) {
	c := jsonCodec{}
	require.Equal(t, CodecName, c.Name())

	req := &CreateContainerRequest{ContainerID: "c1", BundlePath: "/bundle", Terminal: true}
	data, err := c.Marshal(req)
	require.NoError(t, err)

	var out CreateContainerRequest
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, *req, out)
}

func TestErrorfToStatusMapsCodes(t *testing.T) {
	cases := []struct {
		code Code
		want codes.Code
	}{
		{CodeInvalid, codes.InvalidArgument},
		{CodeAlreadyExists, codes.AlreadyExists},
		{CodeNotFound, codes.NotFound},
		{CodeRuntimeFailed, codes.Internal},
		{CodeTimedOut, codes.DeadlineExceeded},
		{CodeIOFailure, codes.Unavailable},
		{CodeShuttingDown, codes.Unavailable},
		{CodeUnsupported, codes.Unimplemented},
	}
	for _, c := range cases {
		err := Errorf(c.code, "boom %d", 1)
		st, ok := status.FromError(ToStatus(err))
		require.True(t, ok)
		require.Equal(t, c.want, st.Code())
		require.Equal(t, "boom 1", st.Message())
	}
}

func TestToStatusPassesThroughNilAndUnknownErrors(t *testing.T) {
	require.NoError(t, ToStatus(nil))

	st, ok := status.FromError(ToStatus(errPlain("oops")))
	require.True(t, ok)
	require.Equal(t, codes.Unknown, st.Code())
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
