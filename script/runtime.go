package script

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/ha-agent/config"
	"github.com/eddielth/ha-agent/logger"
)

// runtime 表示一个已加载的脚本运行时
type runtime struct {
	vm        *goja.Runtime
	discovery goja.Callable
	payload   goja.Callable
	command   goja.Callable // 可选
}

// loadSource 读取脚本代码，优先使用配置中的代码
func loadSource(name string, cfg config.ScriptSensor) (string, error) {
	if cfg.ScriptCode != "" {
		return cfg.ScriptCode, nil
	}
	if cfg.ScriptPath != "" {
		b, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return "", fmt.Errorf("failed to load script file %s: %w", cfg.ScriptPath, err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("sensor %s has neither script_code nor script_path", name)
}

// newRuntime 创建JavaScript运行时并注入辅助函数
func newRuntime(name, code string) (*runtime, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS %s] %s", name, msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("[JS %s] parseJSON failed: %v", name, err)
			return nil
		}
		return data
	})

	// 格式化日期时间
	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).Format(format)
	})

	// 单位转换
	_ = vm.Set("convertTemperature", convertTemperature)

	// 数据验证
	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	// 读取本地文件（例如 /sys 下的硬件状态），失败时返回 null
	_ = vm.Set("readFile", func(path string) interface{} {
		b, err := os.ReadFile(path)
		if err != nil {
			logger.Debug("[JS %s] readFile %s: %v", name, path, err)
			return nil
		}
		return strings.TrimSpace(string(b))
	})

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	rt := &runtime{vm: vm}
	var ok bool
	if rt.discovery, ok = goja.AssertFunction(vm.Get("discovery")); !ok {
		return nil, fmt.Errorf("script does not define a 'discovery' function")
	}
	if rt.payload, ok = goja.AssertFunction(vm.Get("payload")); !ok {
		return nil, fmt.Errorf("script does not define a 'payload' function")
	}
	rt.command, _ = goja.AssertFunction(vm.Get("command"))

	return rt, nil
}

func convertTemperature(value float64, fromUnit string, toUnit string) float64 {
	// 标准化单位
	fromUnit = strings.ToUpper(fromUnit)
	toUnit = strings.ToUpper(toUnit)

	// 转换为摄氏度
	var celsius float64
	switch fromUnit {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value // 未知单位，返回原值
	}

	// 从摄氏度转换为目标单位
	switch toUnit {
	case "C":
		return celsius
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}

// exportJSON 将JavaScript值经JSON转换为Go结构
func exportJSON(v goja.Value, out interface{}) error {
	data, err := json.Marshal(v.Export())
	if err != nil {
		return fmt.Errorf("failed to serialize script result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
