package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nhirsama/Goster-Mesh/src/device_manager"
	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/protocol"
	"github.com/nhirsama/Goster-Mesh/src/transport"
	"github.com/spf13/cobra"
)

// session 一次 send 命令的链路与节点实例
type session struct {
	serial  *protocol.BmSerial
	node    *device_manager.NodeManager
	replies chan inter.Message
	close   func()
}

func (a *app) openSession(ctx context.Context) (*session, error) {
	cfg := a.cfg
	store, err := a.openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	port, err := a.dial()
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &session{
		serial:  protocol.NewBmSerial(protocol.WithMaxPacketSize(cfg.Protocol.MaxPacketSize)),
		replies: make(chan inter.Message, 16),
	}
	s.node = device_manager.NewNodeManager(cfg.Node.ID, s.serial, store,
		device_manager.WithLogger(a.log),
		device_manager.WithResponseHandler(func(m inter.Message) {
			select {
			case s.replies <- m:
			default:
			}
		}),
	)
	link := transport.NewLink(port, s.serial.Process, transport.WithLogger(a.log))
	s.node.Attach(link.Send)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- link.Run(runCtx)
	}()
	s.close = func() {
		cancel()
		<-done
		port.Close()
		store.Close()
	}
	return s, nil
}

// await 等待第一个满足 match 的应答并输出
func (s *session) await(ctx context.Context, w io.Writer, timeout time.Duration, match func(inter.Message) bool) (inter.Message, error) {
	if timeout <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case m := <-s.replies:
			if !match(m) {
				continue
			}
			return m, describe(w, m)
		case <-timer.C:
			return nil, fmt.Errorf("等待应答超时 (%s)", timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newSendCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send",
		Short: "向串口另一端发送单个报文",
	}
	cmd.PersistentFlags().DurationVar(&wait, "wait", 3*time.Second, "等待应答的时长，0 表示不等待")

	// run 打开会话执行 fn；fn 返回非 nil 的 match 时等待对应的应答
	run := func(cmd *cobra.Command, fn func(s *session) (func(inter.Message) bool, error)) error {
		s, err := a.openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()
		match, err := fn(s)
		if err != nil || match == nil {
			return err
		}
		_, err = s.await(cmd.Context(), cmd.OutOrStdout(), wait, match)
		return err
	}

	var pubType, pubVersion uint8
	pub := &cobra.Command{
		Use:   "pub <topic> <data>",
		Short: "发布数据",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.node.Publish(args[0], []byte(args[1]), pubType, pubVersion)
			})
		},
	}
	pub.Flags().Uint8Var(&pubType, "type", 0, "pub_type")
	pub.Flags().Uint8Var(&pubVersion, "version", 0, "数据版本")

	sub := &cobra.Command{
		Use:   "sub <topic>",
		Short: "订阅主题",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.node.Subscribe(args[0])
			})
		},
	}

	unsub := &cobra.Command{
		Use:   "unsub <topic>",
		Short: "取消订阅",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.node.Unsubscribe(args[0])
			})
		},
	}

	netmsg := &cobra.Command{
		Use:   "netmsg <node> <data>",
		Short: "向节点发送网络消息",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.serial.NetMsg(target, 0, []byte(args[1]))
			})
		},
	}

	rtc := &cobra.Command{
		Use:   "rtc",
		Short: "以本机 UTC 时间设置对端 RTC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				now := device_manager.TimeToRtc(time.Now().UTC())
				return nil, s.serial.SetRTC(0, &now)
			})
		},
	}

	selfTest := &cobra.Command{
		Use:   "self-test",
		Short: "请求对端执行自检",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.serial.SendSelfTest(0, 0)
			})
		},
	}

	announce := &cobra.Command{
		Use:   "announce",
		Short: "广播本节点的网络信息",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.node.AnnounceNetwork()
			})
		},
	}

	info := &cobra.Command{
		Use:   "info <node>",
		Short: "查询设备信息",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return func(m inter.Message) bool {
					r, ok := m.(*inter.DeviceInfoReplyMsg)
					return ok && (target == 0 || r.NodeID == target)
				}, s.serial.SendInfoRequest(target)
			})
		},
	}

	resources := &cobra.Command{
		Use:   "resources <node>",
		Short: "查询节点的发布/订阅表",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return func(m inter.Message) bool {
					r, ok := m.(*inter.ResourceReplyMsg)
					return ok && (target == 0 || r.NodeID == target)
				}, s.serial.SendResourceRequest(target)
			})
		},
	}

	cmd.AddCommand(pub, sub, unsub, netmsg, rtc, selfTest, announce, info, resources, newDfuCmd(a, run))
	cmd.AddCommand(newCfgCmds(run)...)
	return cmd
}

type runFunc func(cmd *cobra.Command, fn func(s *session) (func(inter.Message) bool, error)) error

// cfgArgs 解析 <node> <partition> 前缀参数
func cfgArgs(args []string) (uint64, inter.ConfigPartition, error) {
	target, err := parseNodeID(args[0])
	if err != nil {
		return 0, 0, err
	}
	partition, err := inter.ParsePartition(args[1])
	if err != nil {
		return 0, 0, err
	}
	return target, partition, nil
}

// cfgReply 匹配来自目标节点、指定分区的配置应答
func cfgReply(t inter.MessageType, target uint64, partition inter.ConfigPartition) func(inter.Message) bool {
	return func(m inter.Message) bool {
		if m.Type() != t {
			return false
		}
		var h inter.ConfigHeader
		switch r := m.(type) {
		case *inter.CfgValueMsg:
			h = r.ConfigHeader
		case *inter.CfgStatusRespMsg:
			h = r.ConfigHeader
		case *inter.CfgDelRespMsg:
			h = r.ConfigHeader
		default:
			return false
		}
		return h.Partition == partition && (target == 0 || h.SourceNodeID == target)
	}
}

func newCfgCmds(run runFunc) []*cobra.Command {
	get := &cobra.Command{
		Use:   "cfg-get <node> <partition> <key>",
		Short: "读取配置项",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, partition, err := cfgArgs(args)
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				match := cfgReply(inter.MsgCfgValue, target, partition)
				return match, s.serial.CfgGet(target, partition, args[2])
			})
		},
	}

	var rawCBOR bool
	set := &cobra.Command{
		Use:   "cfg-set <node> <partition> <key> <value>",
		Short: "写入配置项，value 按整数、浮点、布尔、字符串的顺序推断类型",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, partition, err := cfgArgs(args)
			if err != nil {
				return err
			}
			var value []byte
			if rawCBOR {
				value, err = parseHex(args[3])
			} else {
				value, err = encodeCfgValue(args[3])
			}
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.serial.CfgSet(target, partition, args[2], value)
			})
		},
	}
	set.Flags().BoolVar(&rawCBOR, "cbor", false, "value 为十六进制 CBOR 编码")

	commit := &cobra.Command{
		Use:   "cfg-commit <node> <partition>",
		Short: "提交分区配置",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, partition, err := cfgArgs(args)
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return nil, s.serial.CfgCommit(target, partition)
			})
		},
	}

	status := &cobra.Command{
		Use:   "cfg-status <node> <partition>",
		Short: "查询分区提交状态与键列表",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, partition, err := cfgArgs(args)
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				match := cfgReply(inter.MsgCfgStatusResp, target, partition)
				return match, s.serial.CfgStatusRequest(target, partition)
			})
		},
	}

	del := &cobra.Command{
		Use:   "cfg-del <node> <partition> <key>",
		Short: "删除配置项",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, partition, err := cfgArgs(args)
			if err != nil {
				return err
			}
			return run(cmd, func(s *session) (func(inter.Message) bool, error) {
				match := cfgReply(inter.MsgCfgDelResp, target, partition)
				return match, s.serial.CfgDeleteRequest(target, partition, args[2])
			})
		},
	}

	return []*cobra.Command{get, set, commit, status, del}
}

func newDfuCmd(a *app, run runFunc) *cobra.Command {
	var target string
	var major, minor uint8
	cmd := &cobra.Command{
		Use:   "dfu <image>",
		Short: "向节点下发固件镜像并等待结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, err := parseNodeID(target)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			img := &protocol.DfuImage{
				NodeID:    nodeID,
				Data:      data,
				ChunkSize: uint16(a.cfg.Dfu.ChunkSize),
				MajorVer:  major,
				MinorVer:  minor,
			}
			var result *inter.DfuFinishMsg
			err = run(cmd, func(s *session) (func(inter.Message) bool, error) {
				return func(m inter.Message) bool {
					r, ok := m.(*inter.DfuFinishMsg)
					if ok && (nodeID == 0 || r.NodeID == nodeID) {
						result = r
						return true
					}
					return false
				}, s.node.StartDfu(img)
			})
			if err != nil {
				return err
			}
			if result != nil && !result.Success {
				return fmt.Errorf("固件升级失败: status=%d", result.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&target, "target", "0", "目标节点 ID，0 表示广播")
	f.Int("chunk", 512, "单个数据块字节数")
	f.Uint8Var(&major, "major", 0, "主版本号")
	f.Uint8Var(&minor, "minor", 0, "次版本号")
	return cmd
}

func parseNodeID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的节点 ID %q: %w", s, err)
	}
	return id, nil
}

// encodeCfgValue 将命令行字面量编码为 CBOR
func encodeCfgValue(s string) ([]byte, error) {
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return cbor.Marshal(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return cbor.Marshal(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return cbor.Marshal(b)
	}
	return cbor.Marshal(s)
}
