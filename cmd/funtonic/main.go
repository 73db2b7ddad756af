// Command funtonic is the commander CLI: it signs requests with a local
// ed25519 identity and drives CommanderService (spec.md section 4.5,
// 4.6), exercising the same sign/LaunchTask/Admin path any commander
// integration would use.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/rpc"
	"github.com/zenria/funtonic/internal/signing"
)

var (
	serverAddr string
	identity   string
	keyID      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "funtonic",
		Short: "Funtonic commander CLI",
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:9443", "taskserver gRPC address")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "", "path to ed25519 identity file (see keygen)")
	rootCmd.PersistentFlags().StringVar(&keyID, "key-id", "", "key_id attributed to this identity")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(authorizeKeyCmd())
	rootCmd.AddCommand(revokeKeyCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 identity file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(hex.EncodeToString(priv)), 0600); err != nil {
				return fmt.Errorf("write identity file: %w", err)
			}
			fmt.Printf("identity written to %s\npublic_key: %s\nsuggested key_id: %s\n",
				out, hex.EncodeToString(pub), hex.EncodeToString(pub)[:16])
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "identity.key", "output path for the private key")
	return cmd
}

func loadIdentity() (ed25519.PrivateKey, error) {
	if identity == "" {
		return nil, fmt.Errorf("--identity is required")
	}
	if keyID == "" {
		return nil, fmt.Errorf("--key-id is required")
	}
	raw, err := os.ReadFile(identity)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	seed, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("identity file is not hex-encoded: %w", err)
	}
	if len(seed) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file has wrong length %d for an ed25519 private key", len(seed))
	}
	return ed25519.PrivateKey(seed), nil
}

func dial() (*grpc.ClientConn, error) {
	opts := append(rpc.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	return grpc.NewClient(serverAddr, opts...)
}

func runCmd() *cobra.Command {
	var (
		predicate string
		command   string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch a shell command against matching executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := loadIdentity()
			if err != nil {
				return err
			}
			payload := domain.LaunchTaskRequestPayload{
				Kind:           domain.KindExecuteCommand,
				ExecuteCommand: &domain.ExecuteCommand{Command: command},
			}
			raw, err := payload.MarshalJSON()
			if err != nil {
				return err
			}
			envelope := signing.Sign(raw, priv, keyID, ttl)

			conn, err := dial()
			if err != nil {
				return fmt.Errorf("dial %s: %w", serverAddr, err)
			}
			defer conn.Close()

			client := rpc.NewCommanderClient(conn)
			stream, err := client.LaunchTask(context.Background(), &rpc.LaunchTaskRequest{Predicate: predicate, Envelope: envelope})
			if err != nil {
				return fmt.Errorf("LaunchTask: %w", err)
			}
			for {
				var resp domain.LaunchTaskResponse
				if err := stream.RecvMsg(&resp); err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				printResponse(resp)
			}
		},
	}
	cmd.Flags().StringVar(&predicate, "predicate", "", "predicate expression matched against executor tags")
	cmd.Flags().StringVar(&command, "command", "", "shell command line to execute")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "envelope validity window")
	return cmd
}

func printResponse(resp domain.LaunchTaskResponse) {
	switch resp.Kind {
	case domain.KindMatchingExecutors:
		fmt.Printf("matched: %v\n", resp.MatchingExecutors.ClientIDs)
	case domain.KindTaskExecutionResult:
		r := resp.TaskExecutionResult
		switch r.Kind {
		case domain.KindTaskOutput:
			if r.TaskOutput.Stdout != "" {
				fmt.Printf("[%s] %s", r.ClientID, r.TaskOutput.Stdout)
			}
			if r.TaskOutput.Stderr != "" {
				fmt.Fprintf(os.Stderr, "[%s] %s", r.ClientID, r.TaskOutput.Stderr)
			}
		case domain.KindTaskCompleted:
			fmt.Printf("[%s] exit %d\n", r.ClientID, r.TaskCompleted.ExitCode)
		case domain.KindTaskRejected:
			fmt.Printf("[%s] rejected: %s\n", r.ClientID, r.TaskRejected.Reason)
		case domain.KindDisconnected:
			fmt.Printf("[%s] disconnected\n", r.ClientID)
		case domain.KindTaskSubmitted:
			fmt.Printf("[%s] submitted\n", r.ClientID)
		}
	}
}

func authorizeKeyCmd() *cobra.Command {
	var newKeyID, newPublicKey string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "authorize-key",
		Short: "Broadcast a new authorized key to every connected executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := hex.DecodeString(newPublicKey)
			if err != nil {
				return fmt.Errorf("invalid --public-key hex: %w", err)
			}
			payload := domain.LaunchTaskRequestPayload{
				Kind:         domain.KindAuthorizeKey,
				AuthorizeKey: &domain.AuthorizeKey{KeyID: newKeyID, PublicKey: pub},
			}
			return broadcast(payload, ttl)
		},
	}
	cmd.Flags().StringVar(&newKeyID, "new-key-id", "", "key_id to authorize")
	cmd.Flags().StringVar(&newPublicKey, "public-key", "", "hex-encoded ed25519 public key to authorize")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "envelope validity window")
	return cmd
}

func revokeKeyCmd() *cobra.Command {
	var revokeKeyID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "revoke-key",
		Short: "Broadcast a key revocation to every connected executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := domain.LaunchTaskRequestPayload{
				Kind:      domain.KindRevokeKey,
				RevokeKey: &domain.RevokeKey{KeyID: revokeKeyID},
			}
			return broadcast(payload, ttl)
		},
	}
	cmd.Flags().StringVar(&revokeKeyID, "revoke-key-id", "", "key_id to revoke")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "envelope validity window")
	return cmd
}

func broadcast(payload domain.LaunchTaskRequestPayload, ttl time.Duration) error {
	priv, err := loadIdentity()
	if err != nil {
		return err
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		return err
	}
	envelope := signing.Sign(raw, priv, keyID, ttl)

	conn, err := dial()
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	defer conn.Close()

	client := rpc.NewCommanderClient(conn)
	stream, err := client.LaunchTask(context.Background(), &rpc.LaunchTaskRequest{Envelope: envelope})
	if err != nil {
		return fmt.Errorf("LaunchTask: %w", err)
	}
	for {
		var resp domain.LaunchTaskResponse
		if err := stream.RecvMsg(&resp); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		printResponse(resp)
	}
}

func adminCmd() *cobra.Command {
	var (
		predicate        string
		clientID         string
		newAdminKeyID    string
		newAdminKeyHex   string
		revokeAdminKeyID string
		ttl              time.Duration
	)

	run := func(kind domain.AdminRequestKind) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			priv, err := loadIdentity()
			if err != nil {
				return err
			}
			req := domain.AdminRequest{
				Kind:             kind,
				Predicate:        predicate,
				ClientID:         clientID,
				NewAdminKeyID:    newAdminKeyID,
				RevokeAdminKeyID: revokeAdminKeyID,
			}
			if newAdminKeyHex != "" {
				pub, err := hex.DecodeString(newAdminKeyHex)
				if err != nil {
					return fmt.Errorf("invalid --new-admin-key hex: %w", err)
				}
				req.NewAdminKey = pub
			}
			raw, err := req.MarshalJSON()
			if err != nil {
				return err
			}
			envelope := signing.Sign(raw, priv, keyID, ttl)

			conn, err := dial()
			if err != nil {
				return fmt.Errorf("dial %s: %w", serverAddr, err)
			}
			defer conn.Close()

			client := rpc.NewCommanderClient(conn)
			resp, err := client.Admin(context.Background(), &rpc.AdminCall{Envelope: envelope})
			if err != nil {
				return fmt.Errorf("Admin: %w", err)
			}
			if resp.Error != "" {
				return fmt.Errorf("admin error: %s", resp.Error)
			}
			if resp.JSONResponse != "" {
				var pretty any
				if err := json.Unmarshal([]byte(resp.JSONResponse), &pretty); err == nil {
					b, _ := json.MarshalIndent(pretty, "", "  ")
					fmt.Println(string(b))
					return nil
				}
				fmt.Println(resp.JSONResponse)
			}
			return nil
		}
	}

	admin := &cobra.Command{Use: "admin", Short: "Administrative operations against the taskserver"}
	admin.PersistentFlags().StringVar(&predicate, "predicate", "", "predicate filter for list-connected-executors (list-known-executors lists every known executor and does not apply it)")
	admin.PersistentFlags().StringVar(&clientID, "client-id", "", "target client_id for drop-executor / approve-executor-key")
	admin.PersistentFlags().StringVar(&newAdminKeyID, "new-admin-key-id", "", "new admin key_id for rotate-admin-key")
	admin.PersistentFlags().StringVar(&newAdminKeyHex, "new-admin-key", "", "hex-encoded new admin public key for rotate-admin-key")
	admin.PersistentFlags().StringVar(&revokeAdminKeyID, "revoke-admin-key-id", "", "old admin key_id to revoke for rotate-admin-key")
	admin.PersistentFlags().DurationVar(&ttl, "ttl", 30*time.Second, "envelope validity window")

	admin.AddCommand(&cobra.Command{Use: "list-connected-executors", RunE: run(domain.KindListConnectedExecutors)})
	admin.AddCommand(&cobra.Command{Use: "list-known-executors", RunE: run(domain.KindListKnownExecutors)})
	admin.AddCommand(&cobra.Command{Use: "list-running-tasks", RunE: run(domain.KindListRunningTasks)})
	admin.AddCommand(&cobra.Command{Use: "drop-executor", RunE: run(domain.KindDropExecutor)})
	admin.AddCommand(&cobra.Command{Use: "list-executor-keys", RunE: run(domain.KindListExecutorKeys)})
	admin.AddCommand(&cobra.Command{Use: "approve-executor-key", RunE: run(domain.KindApproveExecutorKey)})
	admin.AddCommand(&cobra.Command{Use: "list-authorized-keys", RunE: run(domain.KindListAuthorizedKeys)})
	admin.AddCommand(&cobra.Command{Use: "list-admin-keys", RunE: run(domain.KindListAdminAuthKeys)})
	admin.AddCommand(&cobra.Command{Use: "rotate-admin-key", RunE: run(domain.KindRotateAdminKey)})
	return admin
}
