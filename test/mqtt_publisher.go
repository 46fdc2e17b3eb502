package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// 固件清单
type Manifest struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion string `json:"firmware_version"`
	FirmwareFile    string `json:"firmware_file"`
	SHA256          string `json:"sha256"`
	ReleaseDate     string `json:"release_date"`
}

func main() {
	// 命令行参数
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker地址")
	username := flag.String("username", "user", "MQTT用户名")
	password := flag.String("password", "password", "MQTT密码")
	root := flag.String("root", "huzza32", "根主题")
	eid := flag.String("eid", "", "设备ID (eid)")
	sub := flag.String("sub", "", "子设备ID, 为空时发送给根设备")
	mode := flag.String("mode", "watch", "运行模式: update, reboot, config, watch")
	image := flag.String("image", "", "固件文件路径 (update模式)")
	url := flag.String("url", "", "固件下载地址 (update模式)")
	manufacturer := flag.String("manufacturer", "", "制造商 (update模式)")
	model := flag.String("model", "", "型号 (update模式)")
	hardware := flag.String("hardware", "", "硬件版本 (update模式)")
	version := flag.String("version", "", "固件版本 (update模式)")
	configText := flag.String("config", "{}", "配置内容 (config模式)")
	flag.Parse()

	if *eid == "" {
		fmt.Println("必须指定 -eid")
		os.Exit(1)
	}

	// 创建MQTT客户端选项
	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("ha-agent-test-%d", time.Now().Unix()))
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("连接丢失: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("连接MQTT服务器失败: %v\n", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)
	fmt.Printf("已连接到MQTT服务器: %s\n", *broker)

	// 控制主题
	base := fmt.Sprintf("%s/%s", *root, *eid)
	if *sub != "" {
		base = fmt.Sprintf("%s/%s", base, *sub)
	}

	switch *mode {
	case "update":
		m := Manifest{
			Manufacturer:    *manufacturer,
			Model:           *model,
			HardwareVersion: *hardware,
			FirmwareVersion: *version,
			FirmwareFile:    *url,
			ReleaseDate:     time.Now().Format("2006-01-02"),
		}
		sum, err := fileHash(*image)
		if err != nil {
			fmt.Printf("计算固件哈希失败: %v\n", err)
			os.Exit(1)
		}
		m.SHA256 = sum

		payload, err := json.Marshal(m)
		if err != nil {
			fmt.Printf("JSON编码失败: %v\n", err)
			os.Exit(1)
		}
		key := "ota_string"
		if *sub != "" {
			key = "ota"
		}
		publish(client, base+"/"+key+"/set", payload)
	case "reboot":
		publish(client, base+"/reboot_button/set", []byte("PRESS"))
	case "config":
		publish(client, base+"/config_string/set", []byte(*configText))
	case "watch":
		watch(client, *root, *eid)
	default:
		fmt.Println("未知的运行模式，请使用 update, reboot, config 或 watch")
		os.Exit(1)
	}
}

// 计算固件文件的sha256
func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// 发布控制消息
func publish(client paho.Client, topic string, payload []byte) {
	token := client.Publish(topic, 0, false, payload)
	token.Wait()

	if token.Error() != nil {
		fmt.Printf("发布消息失败: %v\n", token.Error())
		return
	}
	fmt.Printf("已发布 %s: %s\n", topic, string(payload))
}

// 打印设备上报的状态、日志和发现消息
func watch(client paho.Client, root, eid string) {
	topics := map[string]byte{
		fmt.Sprintf("%s/%s/#", root, eid): 0,
		"homeassistant/#":                  0,
	}
	token := client.SubscribeMultiple(topics, func(_ paho.Client, msg paho.Message) {
		timestamp := time.Now().Format("15:04:05")
		fmt.Printf("[%s] %s: %s\n", timestamp, msg.Topic(), string(msg.Payload()))
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("订阅失败: %v\n", token.Error())
		return
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("正在断开连接...")
}
