package deej

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// SliderMap holds the targets (process names) each non-master slider controls
type SliderMap struct {
	m    map[int][]string
	lock sync.Locker
}

func newSliderMap() *SliderMap {
	return &SliderMap{
		m:    make(map[int][]string),
		lock: &sync.Mutex{},
	}
}

// sliderMapFromConfig canonizes the user's slider_mapping, where every value is either
// a single process name or a list of them, into one uniform index -> names table
func sliderMapFromConfig(
	logger *zap.SugaredLogger,
	userMapping map[string]interface{},
	sliderCount int,
	masterSlider int,
) (*SliderMap, error) {
	resultMap := newSliderMap()

	for sliderIdxString, value := range userMapping {
		sliderIdx, err := strconv.Atoi(strings.TrimSpace(sliderIdxString))
		if err != nil {
			logger.Warnw("Non-numeric key in slider mapping", "key", sliderIdxString)
			return nil, fmt.Errorf("invalid slider mapping key %q: %w", sliderIdxString, err)
		}

		targets, err := targetsFromConfigValue(value)
		if err != nil {
			logger.Warnw("Invalid value for slider mapping key",
				"key", sliderIdx,
				"value", value,
				"valueType", fmt.Sprintf("%T", value))

			return nil, fmt.Errorf("invalid slider mapping for slider %d: %w", sliderIdx, err)
		}

		// the master slider always broadcasts to every sink, it can't have targets of its own
		if sliderIdx == masterSlider {
			if len(targets) > 0 {
				logger.Warnw("Ignoring targets mapped to the master slider", "slider", sliderIdx, "targets", targets)
			}

			continue
		}

		if sliderIdx < 0 || sliderIdx >= sliderCount {
			logger.Warnw("Ignoring slider mapping for a slider that doesn't exist",
				"slider", sliderIdx,
				"sliderCount", sliderCount)

			continue
		}

		resultMap.set(sliderIdx, targets)
	}

	return resultMap, nil
}

// a value can be a string, a list of strings, or nothing at all
func targetsFromConfigValue(value interface{}) ([]string, error) {
	var targets []string

	switch typedValue := value.(type) {
	case nil:
		targets = []string{}
	case string:
		targets = []string{typedValue}
	case []string:
		targets = typedValue

	// we can't directly type-assert to a []string, so we must check each item
	case []interface{}:
		for _, listItem := range typedValue {

			// silently ignore nil values
			if listItem == nil {
				continue
			}

			listItemStr, ok := listItem.(string)
			if !ok {
				return nil, fmt.Errorf("got list item of type %T, need string", listItem)
			}

			targets = append(targets, listItemStr)
		}
	default:
		return nil, fmt.Errorf("got type %T, need string or []string", value)
	}

	// ignore empty names and don't set the same app twice per move
	targets = funk.FilterString(targets, func(s string) bool {
		return strings.TrimSpace(s) != ""
	})

	if len(targets) == 0 {
		return []string{}, nil
	}

	return funk.UniqString(targets), nil
}

// Iterate goes over each slider and its targets, in ascending slider order
func (m *SliderMap) Iterate(f func(int, []string)) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, key := range m.sortedKeys() {
		f(key, m.m[key])
	}
}

// Get returns the targets of the given slider
func (m *SliderMap) Get(key int) ([]string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	value, ok := m.m[key]
	return value, ok
}

func (m *SliderMap) set(key int, value []string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.m[key] = value
}

func (m *SliderMap) sortedKeys() []int {
	keys := make([]int, 0, len(m.m))
	for key := range m.m {
		keys = append(keys, key)
	}

	sort.Ints(keys)

	return keys
}

func (m *SliderMap) String() string {
	m.lock.Lock()
	defer m.lock.Unlock()

	sliderCount := 0
	targetCount := 0

	for _, value := range m.m {
		sliderCount++
		targetCount += len(value)
	}

	return fmt.Sprintf("<%d sliders mapped to %d targets>", sliderCount, targetCount)
}
