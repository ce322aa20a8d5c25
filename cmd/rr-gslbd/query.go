package main

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query NAME [TYPE]",
		Short: "Send one query to a server and print the reply",
		Long: `Send one query, optionally with an EDNS client subnet, and print the
reply. Useful to see which datacenter a GLB name steers a network to.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			subnet, _ := cmd.Flags().GetString("subnet")
			useTCP, _ := cmd.Flags().GetBool("tcp")
			nsid, _ := cmd.Flags().GetBool("nsid")
			class, _ := cmd.Flags().GetString("class")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			m, err := buildQuery(args, class, subnet, nsid)
			if err != nil {
				return err
			}
			c := &dns.Client{Timeout: timeout}
			proto := "udp"
			if useTCP {
				c.Net, proto = "tcp", "tcp"
			}
			if _, _, err := net.SplitHostPort(server); err != nil {
				server = net.JoinHostPort(server, "53")
			}
			resp, rtt, err := c.Exchange(m, server)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.String())
			fmt.Fprintf(out, ";; Query time: %v\n;; SERVER: %s (%s)\n", rtt.Round(time.Microsecond), server, proto)
			return nil
		},
	}
	cmd.Flags().StringP("server", "s", "127.0.0.1:53", "server address")
	cmd.Flags().String("subnet", "", "EDNS client subnet to send, as a CIDR")
	cmd.Flags().Bool("tcp", false, "query over TCP")
	cmd.Flags().Bool("nsid", false, "request the server's NSID")
	cmd.Flags().String("class", "IN", "query class (IN or CH)")
	cmd.Flags().Duration("timeout", 2*time.Second, "exchange timeout")
	return cmd
}

// buildQuery assembles the message for name, optional type, class and EDNS options.
func buildQuery(args []string, class, subnet string, nsid bool) (*dns.Msg, error) {
	qtype := dns.TypeA
	if len(args) > 1 {
		t, ok := dns.StringToType[strings.ToUpper(args[1])]
		if !ok {
			return nil, fmt.Errorf("unknown type %q", args[1])
		}
		qtype = t
	}
	qclass, ok := dns.StringToClass[strings.ToUpper(class)]
	if !ok {
		return nil, fmt.Errorf("unknown class %q", class)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(args[0]), qtype)
	m.Question[0].Qclass = qclass
	m.RecursionDesired = false

	if subnet == "" && !nsid {
		return m, nil
	}
	m.SetEdns0(4096, false)
	opt := m.IsEdns0()
	if nsid {
		opt.Option = append(opt.Option, &dns.EDNS0_NSID{Code: dns.EDNS0NSID})
	}
	if subnet != "" {
		p, err := netip.ParsePrefix(subnet)
		if err != nil {
			return nil, fmt.Errorf("subnet: %w", err)
		}
		p = p.Masked()
		ecs := &dns.EDNS0_SUBNET{
			Code:          dns.EDNS0SUBNET,
			SourceNetmask: uint8(p.Bits()),
			Address:       net.IP(p.Addr().AsSlice()),
		}
		if p.Addr().Is4() {
			ecs.Family = 1
		} else {
			ecs.Family = 2
		}
		opt.Option = append(opt.Option, ecs)
	}
	return m, nil
}
