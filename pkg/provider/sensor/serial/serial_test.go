package serial

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	goserial "github.com/jacobsa/go-serial/serial"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		wantOK  bool
		wantErr bool
		want    sensor.Update
	}{
		{
			name:   "sample",
			line:   "1200,512,0.01,-0.02,0.98,1.5,0,-2\r",
			wantOK: true,
			want: sensor.Update{
				Pressure: 512, HasPressure: true,
				Motion: types.Motion{
					Accel: types.Vec3{X: 0.01, Y: -0.02, Z: 0.98},
					Gyro:  types.Vec3{X: 1.5, Z: -2},
				},
				HasMotion: true,
			},
		},
		{name: "spaces", line: " 1, 2, 3, 4, 5, 6, 7, 8 ", wantOK: true, want: sensor.Update{
			Pressure: 2, HasPressure: true,
			Motion:    types.Motion{Accel: types.Vec3{X: 3, Y: 4, Z: 5}, Gyro: types.Vec3{X: 6, Y: 7, Z: 8}},
			HasMotion: true,
		}},
		{name: "comment", line: "# timestamp_ms,pressure,ax,ay,az,gx,gy,gz"},
		{name: "blank", line: "   "},
		{name: "too few fields", line: "1,2,3", wantErr: true},
		{name: "too many fields", line: "1,2,3,4,5,6,7,8,9", wantErr: true},
		{name: "not a number", line: "1,abc,3,4,5,6,7,8", wantErr: true},
		{name: "nan pressure", line: "100,nan,0,0,1,0,0,0", wantErr: true},
		{name: "inf gyro", line: "100,512,0,0,1,inf,0,0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, ok, err := ParseLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if strings.HasPrefix(tt.name, "nan") || strings.HasPrefix(tt.name, "inf") {
				if !errors.Is(err, sensor.ErrNonFinite) {
					t.Errorf("err = %v, want ErrNonFinite", err)
				}
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && u != tt.want {
				t.Errorf("update = %+v, want %+v", u, tt.want)
			}
		})
	}
}

func TestReadLines_SkipsNoise(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		"# PillowMate v2",
		"garbage",
		"0,100,0,0,1,0,0,0",
		"20,101,0,0,1,0",
		"30,NaN,0,0,1,0,0,0",
		"40,102,0,0,1,0,0,0",
	}, "\n")

	out := make(chan sensor.Update, 8)
	if err := readLines(context.Background(), strings.NewReader(input), out); err != nil {
		t.Fatalf("readLines: %v", err)
	}
	close(out)
	var got []float64
	for u := range out {
		got = append(got, u.Pressure)
	}
	if len(got) != 2 || got[0] != 100 || got[1] != 102 {
		t.Errorf("pressures = %v, want [100 102]", got)
	}
}

// fakePort is an in-memory port whose Read blocks until data is written or
// the port is closed.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	closed int
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (f *fakePort) Read(b []byte) (int, error)  { return f.r.Read(b) }
func (f *fakePort) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakePort) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return f.r.Close()
}

func TestStream(t *testing.T) {
	t.Parallel()
	port := newFakePort()
	var opts goserial.OpenOptions
	p := &Provider{
		cfg: Config{Port: "/dev/fake", BaudRate: defaultBaudRate},
		open: func(o goserial.OpenOptions) (io.ReadWriteCloser, error) {
			opts = o
			return port, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if opts.PortName != "/dev/fake" || opts.BaudRate != 115200 {
		t.Errorf("open options = %+v", opts)
	}

	go func() { _, _ = port.w.Write([]byte("0,512,0,0,1,0,0,0\n")) }()
	select {
	case u := <-ch:
		if u.Pressure != 512 || !u.HasMotion {
			t.Errorf("update = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	if _, err := p.Stream(ctx); err == nil {
		t.Error("second Stream should fail")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-ch:
		case <-deadline:
			t.Fatal("stream not closed after cancel")
		}
	}
	port.mu.Lock()
	if port.closed != 1 {
		t.Errorf("port closed %d times, want 1", port.closed)
	}
	port.mu.Unlock()
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStream_OpenError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no such device")
	p := &Provider{
		cfg:  Config{Port: "/dev/missing"},
		open: func(goserial.OpenOptions) (io.ReadWriteCloser, error) { return nil, boom },
	}
	if _, err := p.Stream(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestNew_RequiresPort(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
	p, err := New(Config{Port: "/dev/ttyACM0"})
	if err != nil {
		t.Fatal(err)
	}
	if p.cfg.BaudRate != defaultBaudRate {
		t.Errorf("baud = %d", p.cfg.BaudRate)
	}
}
