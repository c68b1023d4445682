package deej

import (
	"errors"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type volumeCall struct {
	key   string
	level float32
}

type fakeSession struct {
	key     string
	backend *fakeBackend
	failSet bool
}

func (s *fakeSession) SetVolume(v float32) error {
	if s.failSet {
		return errors.New("backend went away")
	}

	s.backend.calls = append(s.backend.calls, volumeCall{key: s.key, level: v})
	if s.backend.onSet != nil {
		s.backend.onSet(volumeCall{key: s.key, level: v})
	}

	return nil
}

func (s *fakeSession) Key() string { return s.key }
func (s *fakeSession) Release()    {}

type fakeBackend struct {
	sinks   []string
	streams map[string][]string

	failingKeys map[string]bool
	listErr     error

	calls []volumeCall
	onSet func(volumeCall)
}

func newFakeBackend(sinks []string, streams map[string][]string) *fakeBackend {
	return &fakeBackend{
		sinks:       sinks,
		streams:     streams,
		failingKeys: map[string]bool{},
	}
}

func (b *fakeBackend) session(key string) Session {
	return &fakeSession{key: key, backend: b, failSet: b.failingKeys[key]}
}

func (b *fakeBackend) ListOutputSinks() ([]Session, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}

	sessions := []Session{}
	for _, sink := range b.sinks {
		sessions = append(sessions, b.session("sink:"+sink))
	}

	return sessions, nil
}

func (b *fakeBackend) FindStreamsByProcessName(name string) ([]Session, error) {
	sessions := []Session{}
	for _, stream := range b.streams[name] {
		sessions = append(sessions, b.session("stream:"+stream))
	}

	return sessions, nil
}

func (b *fakeBackend) Release() error { return nil }

func testSliderMap(t *testing.T, raw map[string]interface{}) *SliderMap {
	t.Helper()

	m, err := sliderMapFromConfig(zap.NewNop().Sugar(), raw, 5, 4)
	require.NoError(t, err)

	return m
}

func testSettings(mapping *SliderMap) MixerSettings {
	return MixerSettings{
		SliderCount:     5,
		MasterSlider:    4,
		ChangeThreshold: 5,
		MaxRawValue:     1023,
		SliderMapping:   mapping,
	}
}

func level(raw int) float32 {
	return float32(raw) / float32(1023)
}

func TestParseSliderVector(t *testing.T) {
	type testCase struct {
		line     string
		expected []int
		err      error
	}

	testCases := map[string]testCase{
		"valid":             {line: "512|1023|0|800|300", expected: []int{512, 1023, 0, 800, 300}},
		"out-of-range-kept": {line: "4558|925|41|643|220", expected: []int{4558, 925, 41, 643, 220}},
		"field-whitespace":  {line: "1 | 2|3 |4|5", expected: []int{1, 2, 3, 4, 5}},
		"overflows-int":     {line: "99999999999999999999|0|0|0|0", err: errInvalidField},
		"too-few-fields":    {line: "1|2|3|4", err: errWrongFieldCount},
		"too-many-fields":   {line: "1|2|3|4|5|6", err: errWrongFieldCount},
		"empty-line":        {line: "", err: errWrongFieldCount},
		"non-numeric":       {line: "1|2|x|4|5", err: errInvalidField},
		"negative":          {line: "1|2|-3|4|5", err: errInvalidField},
		"explicit-plus":     {line: "1|2|+3|4|5", err: errInvalidField},
		"empty-field":       {line: "1||3|4|5", err: errInvalidField},
		"float":             {line: "1|2|3.5|4|5", err: errInvalidField},
		"gibberish":         {line: "UwU", err: errWrongFieldCount},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			values, err := parseSliderVector(testCase.line, 5)

			if testCase.err != nil {
				assert.ErrorIs(t, err, testCase.err)
				assert.Nil(t, values)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.expected, values)
		})
	}
}

func TestParseSliderVector_HugeValuesPassThrough(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("values above 2^31 don't fit in an int here")
	}

	huge := int64(1) << 32

	values, err := parseSliderVector("4294967296|0|0|0|"+strconv.Itoa(math.MaxInt), 5)
	require.NoError(t, err)
	assert.Equal(t, []int{int(huge), 0, 0, 0, math.MaxInt}, values)
}

func TestMixerEngine_FirstLineIsBaseline(t *testing.T) {
	backend := newFakeBackend([]string{"speakers"}, map[string][]string{"vlc": {"vlc-1"}})
	engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"0": "vlc"})), false)

	engine.HandleLine("1023|1023|1023|1023|1023")

	assert.Empty(t, backend.calls)
	assert.Equal(t, []int{1023, 1023, 1023, 1023, 1023}, engine.lastAccepted)
}

func TestMixerEngine_ChangeThreshold(t *testing.T) {
	type testCase struct {
		line           string
		expectAccepted bool
	}

	testCases := map[string]testCase{
		"delta-equal-to-threshold":  {line: "505|500|500|500|500", expectAccepted: false},
		"delta-above-threshold":     {line: "506|500|500|500|500", expectAccepted: true},
		"negative-delta-at-limit":   {line: "500|495|500|500|500", expectAccepted: false},
		"negative-delta-past-limit": {line: "500|494|500|500|500", expectAccepted: true},
		"every-slider-jitters":      {line: "504|496|505|495|503", expectAccepted: false},
		"unchanged":                 {line: "500|500|500|500|500", expectAccepted: false},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			backend := newFakeBackend([]string{"speakers"}, map[string][]string{"vlc": {"vlc-1"}})
			engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"0": "vlc"})), false)

			engine.HandleLine("500|500|500|500|500")
			engine.HandleLine(testCase.line)

			if testCase.expectAccepted {
				assert.NotEmpty(t, backend.calls)
				assert.Equal(t, mustParse(t, testCase.line), engine.lastAccepted)
			} else {
				assert.Empty(t, backend.calls)
				assert.Equal(t, []int{500, 500, 500, 500, 500}, engine.lastAccepted)
			}
		})
	}
}

func TestMixerEngine_OnlyMappedSliderMoved(t *testing.T) {
	backend := newFakeBackend([]string{"speakers", "headphones"}, map[string][]string{"vlc": {"vlc-1"}})
	engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"0": "vlc"})), false)

	engine.HandleLine("500|500|500|500|500")
	engine.HandleLine("800|500|500|500|500")

	assert.Equal(t, []volumeCall{{key: "stream:vlc-1", level: level(800)}}, backend.calls)
}

func TestMixerEngine_MasterMovedReappliesEverything(t *testing.T) {
	backend := newFakeBackend(
		[]string{"speakers", "headphones"},
		map[string][]string{"vlc": {"vlc-1"}, "firefox": {"firefox-1"}},
	)

	mapping := testSliderMap(t, map[string]interface{}{
		"0": "vlc",
		"2": []interface{}{"firefox", "chromium"},
	})

	engine := NewMixerEngine(zap.S(), backend, testSettings(mapping), false)

	engine.HandleLine("100|200|300|400|500")
	engine.HandleLine("100|200|300|400|900")

	assert.Equal(t, []volumeCall{
		{key: "sink:speakers", level: level(900)},
		{key: "sink:headphones", level: level(900)},
		{key: "stream:vlc-1", level: level(100)},
		{key: "stream:firefox-1", level: level(300)},
	}, backend.calls)
}

func TestMixerEngine_WholeVectorReplacesBaseline(t *testing.T) {
	backend := newFakeBackend(nil, map[string][]string{"vlc": {"vlc-1"}, "mpv": {"mpv-1"}})
	mapping := testSliderMap(t, map[string]interface{}{"0": "vlc", "1": "mpv"})
	engine := NewMixerEngine(zap.S(), backend, testSettings(mapping), false)

	engine.HandleLine("500|500|500|500|500")

	// slider 1 only jitters, but rides along with slider 0's move
	engine.HandleLine("600|503|500|500|500")
	assert.Equal(t, []int{600, 503, 500, 500, 500}, engine.lastAccepted)
	assert.Equal(t, []volumeCall{
		{key: "stream:vlc-1", level: level(600)},
		{key: "stream:mpv-1", level: level(503)},
	}, backend.calls)

	// and is now compared against 503, not 500
	backend.calls = nil
	engine.HandleLine("600|508|500|500|500")
	assert.Empty(t, backend.calls)

	engine.HandleLine("600|509|500|500|500")
	assert.Len(t, backend.calls, 2)
}

func TestMixerEngine_MalformedLinesKeepState(t *testing.T) {
	lines := map[string]string{
		"four-fields":    "1|2|3|4",
		"non-numeric":    "900|x|900|900|900",
		"empty":          "",
		"serial-garbage": "\x00\x01|",
	}

	for testName, line := range lines {
		t.Run(testName, func(t *testing.T) {
			backend := newFakeBackend([]string{"speakers"}, map[string][]string{"vlc": {"vlc-1"}})
			engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"0": "vlc"})), false)

			// malformed before any baseline doesn't create one
			engine.HandleLine(line)
			assert.Nil(t, engine.lastAccepted)

			engine.HandleLine("500|500|500|500|500")
			engine.HandleLine(line)

			assert.Equal(t, []int{500, 500, 500, 500, 500}, engine.lastAccepted)
			assert.Empty(t, backend.calls)
		})
	}
}

func TestMixerEngine_UnknownApplicationIsNoop(t *testing.T) {
	backend := newFakeBackend([]string{"speakers"}, map[string][]string{})
	engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"0": "spotify"})), true)

	engine.HandleLine("500|500|500|500|500")
	engine.HandleLine("0|500|500|500|500")

	assert.Empty(t, backend.calls)
	assert.Equal(t, []int{0, 500, 500, 500, 500}, engine.lastAccepted)
}

func TestMixerEngine_MultipleStreamsPerApplication(t *testing.T) {
	backend := newFakeBackend(nil, map[string][]string{"firefox": {"firefox-1", "firefox-2"}})
	engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"3": "firefox"})), false)

	engine.HandleLine("500|500|500|500|500")
	engine.HandleLine("500|500|500|1023|500")

	assert.Equal(t, []volumeCall{
		{key: "stream:firefox-1", level: 1},
		{key: "stream:firefox-2", level: 1},
	}, backend.calls)
}

func TestMixerEngine_BackendFailuresDontStopTheLine(t *testing.T) {
	backend := newFakeBackend([]string{"speakers", "headphones"}, map[string][]string{"vlc": {"vlc-1"}})
	backend.failingKeys["sink:speakers"] = true

	engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"0": "vlc"})), false)

	engine.HandleLine("500|500|500|500|500")
	engine.HandleLine("500|500|500|500|0")

	assert.Equal(t, []volumeCall{
		{key: "sink:headphones", level: 0},
		{key: "stream:vlc-1", level: level(500)},
	}, backend.calls)
	assert.Equal(t, []int{500, 500, 500, 500, 0}, engine.lastAccepted)

	// a failing sink listing only skips the broadcast
	backend.calls = nil
	backend.listErr = errors.New("connection refused")
	engine.HandleLine("500|500|500|500|1023")

	assert.Equal(t, []volumeCall{{key: "stream:vlc-1", level: level(500)}}, backend.calls)
}

func TestMixerEngine_OutOfRangeValuesPassThrough(t *testing.T) {
	backend := newFakeBackend([]string{"speakers"}, nil)
	engine := NewMixerEngine(zap.S(), backend, testSettings(newSliderMap()), false)

	engine.HandleLine("0|0|0|0|0")
	engine.HandleLine("0|0|0|0|2046")

	assert.Equal(t, []volumeCall{{key: "sink:speakers", level: 2}}, backend.calls)
}

func TestMixerEngine_ResetAndReconfigure(t *testing.T) {
	backend := newFakeBackend([]string{"speakers"}, map[string][]string{"vlc": {"vlc-1"}})
	engine := NewMixerEngine(zap.S(), backend, testSettings(testSliderMap(t, map[string]interface{}{"0": "vlc"})), false)

	engine.HandleLine("500|500|500|500|500")
	engine.Reset()

	// after a reset, a wildly different line is only a new baseline
	engine.HandleLine("0|0|0|0|0")
	assert.Empty(t, backend.calls)
	assert.Equal(t, []int{0, 0, 0, 0, 0}, engine.lastAccepted)

	// three sliders now, master is the first one
	threeSliderMap, err := sliderMapFromConfig(zap.S(), map[string]interface{}{"2": "vlc"}, 3, 0)
	require.NoError(t, err)

	engine.Reconfigure(MixerSettings{
		SliderCount:     3,
		MasterSlider:    0,
		ChangeThreshold: 10,
		MaxRawValue:     100,
		SliderMapping:   threeSliderMap,
	})
	assert.Nil(t, engine.lastAccepted)

	engine.HandleLine("0|0|0|0|0")
	assert.Nil(t, engine.lastAccepted)

	engine.HandleLine("50|50|50")
	engine.HandleLine("50|50|61")

	assert.Equal(t, []volumeCall{{key: "stream:vlc-1", level: float32(61) / float32(100)}}, backend.calls)
}

func TestPlanVolumeCommands(t *testing.T) {
	mapping := testSliderMap(t, map[string]interface{}{
		"0": "youtube-music",
		"1": []interface{}{"vlc", "mpv"},
		"3": "chrome",
	})

	commands := planVolumeCommands(
		[]int{0, 1023, 512, 100, 700},
		[]bool{false, false, true, false, true},
		testSettings(mapping),
	)

	assert.Equal(t, []VolumeCommand{
		{Kind: MasterBroadcast, SliderID: 4, Level: level(700)},
		{Kind: Application, ProcessName: "youtube-music", SliderID: 0, Level: 0},
		{Kind: Application, ProcessName: "vlc", SliderID: 1, Level: 1},
		{Kind: Application, ProcessName: "mpv", SliderID: 1, Level: 1},
		{Kind: Application, ProcessName: "chrome", SliderID: 3, Level: level(100)},
	}, commands)
}

func mustParse(t *testing.T, line string) []int {
	t.Helper()

	values, err := parseSliderVector(line, 5)
	require.NoError(t, err)

	return values
}
