package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

var (
	reqTerm      string
	reqKind      string
	reqReason    string
	reqScope     string
	reqHint      int
	reqRequester string
	reqNoAdmit   bool

	reqListStatus string
	reqListKind   string
	reqListLimit  int
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Record and inspect enrichment requests",
}

var requestsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record one enrichment request and attempt instant admission",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		raw := model.RawRequest{
			Term:            reqTerm,
			EntityKind:      reqKind,
			Reason:          model.RequestReason(reqReason),
			LocationScope:   reqScope,
			ResultCountHint: reqHint,
		}

		recorded, err := env.Ledger.Record(ctx, []model.RawRequest{raw}, reqRequester, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "record request")
		}
		if len(recorded) == 0 {
			return eris.New("request dropped: term sanitized to nothing")
		}
		req := recorded[0]

		if !reqNoAdmit {
			ran, err := env.Admission.Admit(ctx, &req)
			if err != nil {
				return eris.Wrap(err, "admit request")
			}
			zap.L().Info("admission decided",
				zap.String("request_id", req.ID),
				zap.Bool("ran", ran),
			)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	},
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.Ledger.List(ctx, store.RequestFilter{
			Status:     model.RequestStatus(reqListStatus),
			EntityKind: reqListKind,
			Limit:      reqListLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list requests")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func init() {
	requestsAddCmd.Flags().StringVar(&reqTerm, "term", "", "search term (required)")
	requestsAddCmd.Flags().StringVar(&reqKind, "kind", "", "entity kind (required)")
	requestsAddCmd.Flags().StringVar(&reqReason, "reason", string(model.ReasonUnresolvedQuery), "request reason")
	requestsAddCmd.Flags().StringVar(&reqScope, "scope", "", "location scope (global, city:<name>, bbox:<minx,miny,maxx,maxy>)")
	requestsAddCmd.Flags().IntVar(&reqHint, "results", 0, "result count observed at request time")
	requestsAddCmd.Flags().StringVar(&reqRequester, "requester", "cli", "requester identifier")
	requestsAddCmd.Flags().BoolVar(&reqNoAdmit, "no-admit", false, "record only, skip instant admission")
	_ = requestsAddCmd.MarkFlagRequired("term")
	_ = requestsAddCmd.MarkFlagRequired("kind")

	requestsListCmd.Flags().StringVar(&reqListStatus, "status", "", "filter by status")
	requestsListCmd.Flags().StringVar(&reqListKind, "kind", "", "filter by entity kind")
	requestsListCmd.Flags().IntVar(&reqListLimit, "limit", 50, "max rows")

	requestsCmd.AddCommand(requestsAddCmd, requestsListCmd)
	rootCmd.AddCommand(requestsCmd)
}
