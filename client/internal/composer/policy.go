package composer

import (
	"fmt"
	"time"
)

// Policy 附件上传失败后的处理方式
type Policy string

const (
	// PolicyNone 条目停留在 uploading，只记录日志
	PolicyNone Policy = "none"
	// PolicyManual 条目置为 failed，等待调用 Retry
	PolicyManual Policy = "manual"
	// PolicyAuto 先自动重试若干次，仍失败则置为 failed
	PolicyAuto Policy = "auto"
)

// RetryPolicy 上传失败策略
type RetryPolicy struct {
	Mode           Policy
	MaxAutoRetries int
	AutoRetryDelay time.Duration
}

// ParsePolicy 解析配置中的策略名
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyNone, PolicyManual, PolicyAuto:
		return Policy(s), nil
	case "":
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("unknown retry policy %q (want none, manual or auto)", s)
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Mode == "" {
		p.Mode = PolicyManual
	}
	if p.Mode == PolicyAuto {
		if p.MaxAutoRetries <= 0 {
			p.MaxAutoRetries = 3
		}
		if p.AutoRetryDelay <= 0 {
			p.AutoRetryDelay = 2 * time.Second
		}
	}
	return p
}
