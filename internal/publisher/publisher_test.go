package publisher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type event struct {
	TaskID string `json:"task_id"`
}

func (e event) Attributes() map[string]string {
	return map[string]string{"task_id": e.TaskID}
}

func TestEncodeCollectsAttributes(t *testing.T) {
	t.Parallel()

	data, attrs, err := Encode(event{TaskID: "t-1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"task_id":"t-1"}`, string(data))
	require.Equal(t, "t-1", attrs["task_id"])
	require.Equal(t, "application/json", attrs["content_type"])
}

func TestEncodePlainPayload(t *testing.T) {
	t.Parallel()

	data, attrs, err := Encode(map[string]int{"n": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(data))
	require.Len(t, attrs, 1)

	_, _, err = Encode(make(chan int))
	require.Error(t, err)
}
