package cli

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/protocol"
	"github.com/nhirsama/Goster-Mesh/src/transport"
	"github.com/spf13/cobra"
)

func newDecodeCmd(a *app) *cobra.Command {
	var framed bool
	cmd := &cobra.Command{
		Use:   "decode <hex>...",
		Short: "解码一个十六进制表示的包并打印内容",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			if framed {
				if raw, err = transport.DecodeFrame(raw); err != nil {
					return err
				}
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				return err
			}
			return describe(cmd.OutOrStdout(), msg)
		},
	}
	cmd.Flags().BoolVar(&framed, "cobs", false, "输入为 COBS 编码的链路帧")
	return cmd
}

// parseHex 接受带空格、冒号或 0x 前缀的十六进制串
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("无效的十六进制输入: %w", err)
	}
	return b, nil
}

// describe 以可读形式输出报文，CBOR 字段使用诊断记法
func describe(w io.Writer, msg inter.Message) error {
	fmt.Fprintf(w, "type: %s (0x%02x)\n", msg.Type(), uint8(msg.Type()))
	switch m := msg.(type) {
	case *inter.DebugMsg:
		fmt.Fprintf(w, "data: %q\n", m.Data)
	case *inter.LogMsg:
		fmt.Fprintf(w, "data: %q\n", m.Data)
	case *inter.PubMsg:
		fmt.Fprintf(w, "node: %016x\ntopic: %s\npub_type: %d\nversion: %d\ndata: %x\n",
			m.NodeID, m.Topic, m.PubType, m.Version, m.Data)
	case *inter.NetMsg:
		fmt.Fprintf(w, "node: %016x\nflags: %d\ndata: %x\n", m.NodeID, m.Flags, m.Data)
	case *inter.CfgSetMsg:
		writeCfgHeader(w, m.ConfigHeader)
		fmt.Fprintf(w, "key: %s\nvalue: %s\n", m.Key, diagnose(m.Data))
	case *inter.CfgValueMsg:
		writeCfgHeader(w, m.ConfigHeader)
		fmt.Fprintf(w, "value: %s\n", diagnose(m.Data))
	case *inter.CfgGetMsg:
		writeCfgHeader(w, m.ConfigHeader)
		fmt.Fprintf(w, "key: %s\n", m.Key)
	case *inter.CfgStatusRespMsg:
		writeCfgHeader(w, m.ConfigHeader)
		fmt.Fprintf(w, "committed: %t\nkeys: %s\n", m.Committed, strings.Join(m.Keys, ","))
	case *inter.NetworkInfoMsg:
		fmt.Fprintf(w, "network_crc32: %08x\nconfig_crc: partition=%d crc32=%08x\n",
			m.NetworkCRC32, m.ConfigCRC.Partition, m.ConfigCRC.CRC32)
		fmt.Fprintf(w, "fw: %d.%d.%d (%08x)\n", m.FwInfo.Major, m.FwInfo.Minor, m.FwInfo.Revision, m.FwInfo.GitSHA)
		for _, id := range m.NodeIDs {
			fmt.Fprintf(w, "node: %016x\n", id)
		}
		fmt.Fprintf(w, "config_map: %s\n", diagnose(m.ConfigMap))
	case *inter.DeviceInfoReplyMsg:
		fmt.Fprintf(w, "node: %016x\nvendor: %04x\nproduct: %04x\nserial: %s\n",
			m.NodeID, m.VendorID, m.ProductID, bytes.TrimRight(m.SerialNum[:], "\x00"))
		fmt.Fprintf(w, "version: %d.%d.%d hw%d (%08x)\nversion_string: %s\ndevice_name: %s\n",
			m.VerMajor, m.VerMinor, m.VerRev, m.VerHw, m.GitSHA, m.VersionString, m.DeviceName)
	case *inter.ResourceReplyMsg:
		fmt.Fprintf(w, "node: %016x\npubs: %s\nsubs: %s\n",
			m.NodeID, strings.Join(m.Pubs, ","), strings.Join(m.Subs, ","))
	case *inter.DfuChunkMsg:
		fmt.Fprintf(w, "offset: %d\nnak: %t\nsize: %d\n", m.ByteOffset(), m.IsNak(), len(m.Data))
	default:
		fmt.Fprintf(w, "%+v\n", msg)
	}
	return nil
}

func writeCfgHeader(w io.Writer, h inter.ConfigHeader) {
	fmt.Fprintf(w, "target: %016x\nsource: %016x\npartition: %s\n", h.TargetNodeID, h.SourceNodeID, h.Partition)
}

func diagnose(data []byte) string {
	if len(data) == 0 {
		return "<empty>"
	}
	s, err := cbor.Diagnose(data)
	if err != nil {
		return fmt.Sprintf("%x (invalid cbor: %v)", data, err)
	}
	return s
}
