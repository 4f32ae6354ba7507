package functiontool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchid/pkg/tool"
)

type echoArgs struct {
	Text   string `json:"text" jsonschema:"required,description=Text to echo"`
	Repeat int    `json:"repeat,omitempty" jsonschema:"description=Repeat count,default=1"`
}

func testCtx() tool.Context {
	return tool.NewContext(context.Background(), "call-1", "", nil, nil)
}

func TestNewRequiresNameAndDescription(t *testing.T) {
	_, err := New(Config{Description: "x"}, func(ctx tool.Context, args echoArgs) (map[string]any, error) {
		return nil, nil
	})
	assert.Error(t, err)

	_, err = New(Config{Name: "echo"}, func(ctx tool.Context, args echoArgs) (map[string]any, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestCallDecodesTypedArgs(t *testing.T) {
	echo, err := New(
		Config{Name: "echo", Description: "Echo text back"},
		func(ctx tool.Context, args echoArgs) (map[string]any, error) {
			out := ""
			n := args.Repeat
			if n == 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				out += args.Text
			}
			return map[string]any{"result": out}, nil
		},
	)
	require.NoError(t, err)

	res, err := echo.Call(testCtx(), map[string]any{"text": "hi", "repeat": 2})
	require.NoError(t, err)
	assert.Equal(t, "hihi", res["result"])
}

func TestCallWeaklyTypedArgs(t *testing.T) {
	echo, err := New(
		Config{Name: "echo", Description: "Echo"},
		func(ctx tool.Context, args echoArgs) (map[string]any, error) {
			return map[string]any{"result": fmt.Sprintf("%s/%d", args.Text, args.Repeat)}, nil
		},
	)
	require.NoError(t, err)

	// Models frequently send numbers as strings.
	res, err := echo.Call(testCtx(), map[string]any{"text": "x", "repeat": "3"})
	require.NoError(t, err)
	assert.Equal(t, "x/3", res["result"])
}

func TestSchemaGeneration(t *testing.T) {
	echo, err := New(
		Config{Name: "echo", Description: "Echo"},
		func(ctx tool.Context, args echoArgs) (map[string]any, error) { return nil, nil },
	)
	require.NoError(t, err)

	schema := echo.Schema()
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "repeat")

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "text")
	assert.NotContains(t, required, "repeat")
}

func TestNewWithValidation(t *testing.T) {
	echo, err := NewWithValidation(
		Config{Name: "echo", Description: "Echo"},
		func(ctx tool.Context, args echoArgs) (map[string]any, error) {
			return map[string]any{"result": args.Text}, nil
		},
		func(args echoArgs) error {
			if args.Text == "" {
				return fmt.Errorf("text must not be empty")
			}
			return nil
		},
	)
	require.NoError(t, err)

	_, err = echo.Call(testCtx(), map[string]any{"text": ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	res, err := echo.Call(testCtx(), map[string]any{"text": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res["result"])
}
