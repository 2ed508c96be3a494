package cmd

import (
	"fmt"
	"log"
	"strconv"

	"github.com/duckchat-net/duckchatd/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runCmd represents the run command. Arguments mirror the classic server
// invocation: the address this node binds to, followed by any number of
// neighbor address pairs forming the static mesh topology.
var runCmd = &cobra.Command{
	Use:   "run <host> <port> [<neighbor-host> <neighbor-port>]...",
	Short: "Run the DuckChat server",
	Args: func(_ *cobra.Command, args []string) error {
		if len(args) < 2 || len(args)%2 != 0 {
			return fmt.Errorf("expected <host> <port> followed by neighbor address pairs")
		}
		return nil
	},
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(_ *cobra.Command, args []string) {
	port, err := parsePort(args[1])
	if err != nil {
		log.Fatal(err.Error())
	}

	neighbors := make([]string, 0, (len(args)-2)/2)
	for i := 2; i < len(args); i += 2 {
		nport, err := parsePort(args[i+1])
		if err != nil {
			log.Fatal(err.Error())
		}
		neighbors = append(neighbors, fmt.Sprintf("%s:%d", args[i], nport))
	}

	cfg := server.Config{
		Host:      args[0],
		Port:      port,
		Neighbors: neighbors,

		Debug:       viper.GetBool("debug"),
		RefreshRate: viper.GetInt("refresh-rate"),
		CacheSize:   viper.GetInt("id-cache-size"),
		RecvBufSize: viper.GetInt("recv-buffer-size"),
		OpsAddr:     viper.GetString("ops-addr"),
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	srv.Run()
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("server socket must be in the range [0, 65535]")
	}
	return port, nil
}
