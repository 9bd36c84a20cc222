package export

import (
	"image/color"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/scopebench/oscilloscope"
)

// ErrEmptyWaveform is returned when a waveform has no channel data
var ErrEmptyWaveform = errors.New("export: waveform has no data")

// ChannelColors are the trace colours of channels 1..4 on the scope display
var ChannelColors = []color.RGBA{
	{R: 0xff, G: 0xd7, B: 0x00, A: 0xff}, // yellow
	{R: 0x00, G: 0xa0, B: 0x00, A: 0xff}, // green
	{R: 0x00, G: 0x50, B: 0xff, A: 0xff}, // blue
	{R: 0xe0, G: 0x00, B: 0x00, A: 0xff}, // red
}

// ChannelColor is the trace colour of channel ch
func ChannelColor(ch int) color.Color {
	if ch < 1 {
		return color.Black
	}
	return ChannelColors[(ch-1)%len(ChannelColors)]
}

// plot dimensions
const (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 4 * vg.Inch
)

func nonEmpty(wav *oscilloscope.Waveform) error {
	if wav == nil || len(wav.Channels) == 0 || wav.Len() == 0 {
		return ErrEmptyWaveform
	}
	return nil
}

// WaveformCSV writes the time axis and one column per channel, in volts
func WaveformCSV(w io.Writer, wav *oscilloscope.Waveform) error {
	if err := nonEmpty(wav); err != nil {
		return err
	}
	return wav.EncodeCSV(w)
}

// WaveformPlot draws one line per channel against time
func WaveformPlot(wav *oscilloscope.Waveform, title string) (*plot.Plot, error) {
	if err := nonEmpty(wav); err != nil {
		return nil, err
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Amplitude (V)"
	p.Add(plotter.NewGrid())
	times := wav.Times()
	for _, ch := range wav.ChannelNumbers() {
		volts := wav.Channels[ch].Physical()
		n := len(volts)
		if len(times) < n {
			n = len(times)
		}
		pts := make(plotter.XYs, n)
		for i := 0; i < n; i++ {
			pts[i].X = times[i]
			pts[i].Y = volts[i]
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %d", ch)
		}
		line.Color = ChannelColor(ch)
		p.Add(line)
		p.Legend.Add("Channel "+strconv.Itoa(ch), line)
	}
	p.Legend.Top = true
	return p, nil
}

// WaveformPNG renders WaveformPlot as a PNG
func WaveformPNG(w io.Writer, wav *oscilloscope.Waveform, title string) error {
	p, err := WaveformPlot(wav, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// WaveformFITS writes the waveform as a 2D float64 image with one row per
// channel.  DT and T0 give the time axis; CHANNELS lists the channel of
// each row
func WaveformFITS(w io.Writer, wav *oscilloscope.Waveform) error {
	if err := nonEmpty(wav); err != nil {
		return err
	}
	chans := wav.ChannelNumbers()
	n := wav.Len()
	data := make([]float64, n*len(chans))
	names := make([]string, len(chans))
	for j, ch := range chans {
		names[j] = strconv.Itoa(ch)
		copy(data[j*n:(j+1)*n], wav.Channels[ch].Physical())
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{n, len(chans)})
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: "DT", Value: wav.Preamble.XIncrement, Comment: "sample interval, s"},
		fitsio.Card{Name: "T0", Value: wav.Preamble.Time(0), Comment: "time of the first sample, s"},
		fitsio.Card{Name: "BUNIT", Value: "V"},
		fitsio.Card{Name: "CHANNELS", Value: strings.Join(names, ","), Comment: "scope channel of each row"},
	)
	if err != nil {
		return err
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}

// Screenshot writes PNG bytes read from the scope to path
func Screenshot(path string, png []byte) error {
	if len(png) == 0 {
		return errors.New("export: empty screenshot")
	}
	return os.WriteFile(path, png, 0644)
}
