// Command executor-stub is a minimal executor (SPEC_FULL.md section 4): it
// registers against a taskserver, matches itself by tag, and executes
// /bin/sh -c commands for real, driving the dispatcher and result router
// end to end without implementing the production executor's resource
// limits or multiplexed fd capture (shell process management is out of
// scope per spec.md section 1).
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/rpc"
	"github.com/zenria/funtonic/internal/signing"
)

const protocolVersion = "1"
const envelopeTTL = 30 * time.Second

// uplinkWriter serializes SendMsg calls onto the shared TaskExecution
// stream: grpc.ClientStream permits one concurrent sender and one
// concurrent receiver, but not multiple concurrent senders, and each
// dispatched task runs its own handleTask goroutine.
type uplinkWriter struct {
	mu     sync.Mutex
	stream grpc.ClientStream
}

func (w *uplinkWriter) send(envelope *signing.Payload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream.SendMsg(envelope)
}

func main() {
	var (
		serverAddr string
		identity   string
		clientID   string
		tags       []string
	)

	cmd := &cobra.Command{
		Use:   "executor-stub",
		Short: "Minimal Funtonic executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := loadOrGenerateIdentity(identity)
			if err != nil {
				return err
			}
			if clientID == "" {
				clientID = hex.EncodeToString(pub)[:16]
			}
			return run(serverAddr, clientID, priv, pub, parseTags(tags))
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "localhost:9443", "taskserver gRPC address")
	cmd.Flags().StringVar(&identity, "identity", "", "path to ed25519 identity file; generated in-memory if omitted")
	cmd.Flags().StringVar(&clientID, "client-id", "", "client_id to register as (defaults to a prefix of the public key)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "key=value tag advertised to the predicate matcher, repeatable")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseTags(kv []string) map[string]domain.TagTree {
	tags := make(map[string]domain.TagTree, len(kv))
	for _, pair := range kv {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		tags[k] = domain.NewStringTag(v)
	}
	return tags
}

func loadOrGenerateIdentity(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if path == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, pub, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read identity file: %w", err)
	}
	seed, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("identity file is not hex-encoded: %w", err)
	}
	if len(seed) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("identity file has wrong length %d for an ed25519 private key", len(seed))
	}
	priv := ed25519.PrivateKey(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

func run(serverAddr, clientID string, priv ed25519.PrivateKey, pub ed25519.PublicKey, tags map[string]domain.TagTree) error {
	opts := append(rpc.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(serverAddr, opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	defer conn.Close()

	client := rpc.NewExecutorClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigCh; cancel() }()

	uplinkStream, err := client.TaskExecution(ctx)
	if err != nil {
		return fmt.Errorf("open TaskExecution: %w", err)
	}
	uplink := &uplinkWriter{stream: uplinkStream}

	regPayload := domain.RegisterExecutorPayload{
		ClientID:        clientID,
		PublicKey:       pub,
		Version:         "0.1.0",
		ProtocolVersion: protocolVersion,
		Tags:            domain.NewMapTag(tags),
	}
	raw, err := regPayload.MarshalJSON()
	if err != nil {
		return err
	}
	envelope := signing.Sign(raw, priv, clientID, envelopeTTL)

	stream, err := client.GetTasks(ctx, &rpc.RegisterExecutorRequest{Envelope: envelope})
	if err != nil {
		return fmt.Errorf("GetTasks: %w", err)
	}

	fmt.Printf("registered as %s against %s\n", clientID, serverAddr)

	for {
		var reply rpc.GetTaskStreamReply
		if err := stream.RecvMsg(&reply); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("GetTasks recv: %w", err)
		}
		go handleTask(reply, priv, clientID, uplink)
	}
}

func handleTask(reply rpc.GetTaskStreamReply, priv ed25519.PrivateKey, clientID string, uplink *uplinkWriter) {
	var payload domain.LaunchTaskRequestPayload
	if err := payload.UnmarshalJSON(reply.Envelope.Payload); err != nil {
		sendResult(uplink, priv, clientID, domain.TaskExecutionResult{
			Kind:         domain.KindTaskRejected,
			TaskID:       reply.TaskID,
			ClientID:     clientID,
			TaskRejected: &domain.TaskRejected{Reason: fmt.Sprintf("malformed payload: %v", err)},
		})
		return
	}

	switch payload.Kind {
	case domain.KindExecuteCommand:
		executeCommand(reply.TaskID, clientID, payload.ExecuteCommand.Command, priv, uplink)
	case domain.KindAuthorizeKey, domain.KindRevokeKey:
		// Broadcast key-management variants target every executor's local
		// authorized-keys set; this stub has none to maintain, so there is
		// nothing further to do beyond having received it.
	default:
		sendResult(uplink, priv, clientID, domain.TaskExecutionResult{
			Kind:         domain.KindTaskRejected,
			TaskID:       reply.TaskID,
			ClientID:     clientID,
			TaskRejected: &domain.TaskRejected{Reason: fmt.Sprintf("unsupported payload kind %q", payload.Kind)},
		})
	}
}

func executeCommand(taskID, clientID, command string, priv ed25519.PrivateKey, uplink *uplinkWriter) {
	sendResult(uplink, priv, clientID, domain.TaskExecutionResult{
		Kind:     domain.KindTaskSubmitted,
		TaskID:   taskID,
		ClientID: clientID,
	})

	cmd := exec.Command("/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if stdout.Len() > 0 || stderr.Len() > 0 {
		sendResult(uplink, priv, clientID, domain.TaskExecutionResult{
			Kind:       domain.KindTaskOutput,
			TaskID:     taskID,
			ClientID:   clientID,
			TaskOutput: &domain.TaskOutput{Stdout: stdout.String(), Stderr: stderr.String()},
		})
	}

	exitCode := int32(0)
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = int32(exitErr.ExitCode())
		} else {
			exitCode = -1
		}
	}
	sendResult(uplink, priv, clientID, domain.TaskExecutionResult{
		Kind:          domain.KindTaskCompleted,
		TaskID:        taskID,
		ClientID:      clientID,
		TaskCompleted: &domain.TaskCompleted{ExitCode: exitCode},
	})
}

func sendResult(uplink *uplinkWriter, priv ed25519.PrivateKey, clientID string, result domain.TaskExecutionResult) {
	raw, err := result.MarshalJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return
	}
	envelope := signing.Sign(raw, priv, clientID, envelopeTTL)
	if err := uplink.send(&envelope); err != nil {
		fmt.Fprintf(os.Stderr, "send result: %v\n", err)
	}
}
