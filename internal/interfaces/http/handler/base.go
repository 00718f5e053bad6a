// Package handler 提供 HTTP 请求处理器
package handler

import (
	"fmt"
	"strconv"
	"strings"
)

// parseChapterNumber 解析路径中的章号；章号从 1 开始。
func parseChapterNumber(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("chapter number must be an integer: %q", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("chapter number must be >= 1: %d", n)
	}
	return n, nil
}

// parseBoolQuery 解析布尔查询参数；空串与非法值按 false 处理。
func parseBoolQuery(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
