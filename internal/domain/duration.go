package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// 时长单位，按解析顺序排列
var durationUnits = []struct {
	suffix byte
	size   time.Duration
}{
	{'d', 24 * time.Hour},
	{'h', time.Hour},
	{'m', time.Minute},
	{'s', time.Second},
}

// ParseDuration 解析 "1d2h30m" 形式的人类可读时长
//
// 规则：
//   - 每个片段为 <非负整数><单位>，单位只能是 d、h、m、s
//   - 单位必须按 d → h → m → s 的顺序出现，且每个单位最多一次
//   - 片段之间允许有空白
//   - 总时长必须大于 0
//
// 不满足规则时返回包装了 ErrInvalidDuration 的错误。
func ParseDuration(text string) (time.Duration, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}

	var total time.Duration
	next := 0 // 下一个允许出现的单位下标
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}

		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if start == i {
			return 0, fmt.Errorf("%w: expected number at %q", ErrInvalidDuration, s[start:])
		}
		if i >= len(s) {
			return 0, fmt.Errorf("%w: missing unit after %q", ErrInvalidDuration, s[start:i])
		}

		unit := -1
		for idx := next; idx < len(durationUnits); idx++ {
			if durationUnits[idx].suffix == s[i] {
				unit = idx
				break
			}
		}
		if unit < 0 {
			return 0, fmt.Errorf("%w: unexpected unit %q", ErrInvalidDuration, s[i])
		}

		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidDuration, err.Error())
		}
		size := durationUnits[unit].size
		if n > int64(math.MaxInt64/size) || total > time.Duration(math.MaxInt64)-time.Duration(n)*size {
			return 0, fmt.Errorf("%w: value too large", ErrInvalidDuration)
		}
		total += time.Duration(n) * size

		next = unit + 1
		i++
	}

	if total <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidDuration)
	}

	return total, nil
}

// FormatDuration 将时长格式化为 "1d2h30m" 形式，零值输出 "0s"
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d <= 0 {
		return "0s"
	}

	var b strings.Builder
	for _, u := range durationUnits {
		if n := d / u.size; n > 0 {
			b.WriteString(strconv.FormatInt(int64(n), 10))
			b.WriteByte(u.suffix)
			d -= n * u.size
		}
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}
