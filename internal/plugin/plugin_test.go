package plugin

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"testing"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func dialEmbedder(t *testing.T, impl embed.Embedder) *EmbedderGRPCClient {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	RegisterEmbedderServer(s, impl)
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	dialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client, err := NewEmbedderGRPCClient(context.Background(), conn)
	if err != nil {
		t.Fatalf("NewEmbedderGRPCClient failed: %v", err)
	}
	return client
}

func TestEmbedderGRPC(t *testing.T) {
	local := embed.NewHistogramEmbedder()
	client := dialEmbedder(t, local)
	ctx := context.Background()

	if client.Dimension() != local.Dimension() {
		t.Errorf("dimension %d, want %d", client.Dimension(), local.Dimension())
	}
	if !client.Supports(embed.ModalityImage) || !client.Supports(embed.ModalityText) || client.Supports(embed.ModalityVideo) {
		t.Error("modalities not carried over")
	}

	t.Run("MatchesLocal", func(t *testing.T) {
		data := pngBytes(t, color.RGBA{30, 100, 180, 255})
		want, _ := local.Embed(ctx, data, embed.ModalityImage)
		got, err := client.Embed(ctx, data, embed.ModalityImage)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("component %d: %v != %v", i, got[i], want[i])
			}
		}
		if _, err := client.Embed(ctx, []byte("beach"), embed.ModalityText); err != nil {
			t.Errorf("text embed failed: %v", err)
		}
	})

	t.Run("CorruptInputIsFailure", func(t *testing.T) {
		_, err := client.Embed(ctx, []byte("not a png"), embed.ModalityImage)
		var failure *embed.Failure
		if !errors.As(err, &failure) || failure.Modality != embed.ModalityImage {
			t.Errorf("expected embed.Failure, got %v", err)
		}
	})

	t.Run("UnsupportedModality", func(t *testing.T) {
		_, err := client.Embed(ctx, []byte{0}, embed.ModalityVideo)
		if !errors.Is(err, embed.ErrUnsupportedModality) {
			t.Errorf("expected ErrUnsupportedModality, got %v", err)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		outs := embed.Batch(ctx, client, []embed.Input{
			{Data: pngBytes(t, color.RGBA{220, 200, 150, 255}), Modality: embed.ModalityImage},
			{Data: []byte("broken"), Modality: embed.ModalityImage},
			{Data: []byte("snow"), Modality: embed.ModalityText},
		})
		if len(outs) != 3 {
			t.Fatalf("expected 3 outputs, got %d", len(outs))
		}
		if outs[0].Err != nil || len(outs[0].Vector) != local.Dimension() {
			t.Errorf("first output: %v", outs[0].Err)
		}
		var failure *embed.Failure
		if !errors.As(outs[1].Err, &failure) {
			t.Errorf("second output should be a Failure, got %v", outs[1].Err)
		}
		if outs[2].Err != nil {
			t.Errorf("third output: %v", outs[2].Err)
		}
	})
}
